package designs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"

	"github.com/acnh-api/acnh-api-public/internal/acnherr"
	"github.com/acnh-api/acnh-api-public/internal/logging"
	"github.com/acnh-api/acnh-api-public/internal/session"
)

// TokenSource supplies bearer tokens for upstream calls. Satisfied by
// *session.Broker.
type TokenSource interface {
	EnsureSession(ctx context.Context) (session.Session, error)
	Invalidate(rejected session.Session)
}

// Options configures a Fetcher.
type Options struct {
	BaseURL          string
	HTTPClient       *http.Client
	LayerConcurrency int
	CreatorID        int64
}

// Fetcher downloads design metadata and layer containers. It never holds key
// material; authentication goes through the TokenSource.
type Fetcher struct {
	tokens TokenSource
	opts   Options
}

// NewFetcher builds a Fetcher.
func NewFetcher(tokens TokenSource, opts Options) *Fetcher {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.LayerConcurrency <= 0 {
		opts.LayerConcurrency = 4
	}
	return &Fetcher{tokens: tokens, opts: opts}
}

// DesignSummary is the metadata of one listed design.
type DesignSummary struct {
	DesignID   int64
	DesignCode string
	DesignName string
	AuthorID   int64
	AuthorName string
	CreatedAt  time.Time
	bodyURL    string
}

// request performs one authenticated upstream call and returns the raw
// response body. A 401/403 invalidates the session and is retried exactly
// once against a fresh one.
func (f *Fetcher) request(ctx context.Context, method, path string, query url.Values, notFound *acnherr.Error) ([]byte, error) {
	if notFound == nil {
		notFound = acnherr.UnknownDesignCode
	}

	for attempt := 0; ; attempt++ {
		sess, err := f.tokens.EnsureSession(ctx)
		if err != nil {
			return nil, err
		}

		u := f.opts.BaseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, method, u, nil)
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}
		req.Header.Set("Accept", "application/x-msgpack")
		req.Header.Set("Authorization", "Bearer "+sess.BearerToken)

		resp, err := f.opts.HTTPClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, path, acnherr.UpstreamUnavailable)
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if readErr != nil {
				return nil, fmt.Errorf("%s %s: %w", method, path, acnherr.UpstreamUnavailable)
			}
			return body, nil
		case resp.StatusCode == http.StatusNotFound:
			return nil, notFound
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			// The token we started with may have been replaced under us.
			// One retry against a freshly ensured session, then give up.
			f.tokens.Invalidate(sess)
			if attempt == 0 {
				logging.APIDebug("%s %s rejected with %d, retrying with fresh session", method, path, resp.StatusCode)
				continue
			}
			return nil, fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, acnherr.GameAuth)
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, acnherr.UpstreamUnavailable)
		default:
			return nil, fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
		}
	}
}

// LookupDesign fetches the listing header for a single design code.
func (f *Fetcher) LookupDesign(ctx context.Context, code string) (DesignSummary, error) {
	id, err := DesignID(code)
	if err != nil {
		return DesignSummary{}, err
	}
	return f.lookupDesignID(ctx, id)
}

func (f *Fetcher) lookupDesignID(ctx context.Context, id int64) (DesignSummary, error) {
	query := url.Values{}
	query.Set("offset", "0")
	query.Set("limit", "1")
	query.Set("q[design_id]", strconv.FormatInt(id, 10))

	body, err := f.request(ctx, http.MethodGet, listDesignsPath, query, acnherr.UnknownDesignCode)
	if err != nil {
		return DesignSummary{}, err
	}

	var resp listDesignsResponse
	if err := msgpack.Unmarshal(body, &resp); err != nil {
		return DesignSummary{}, fmt.Errorf("decoding design listing: %w", err)
	}
	if resp.Total == 0 {
		return DesignSummary{}, acnherr.UnknownDesignCode
	}
	if resp.Total > 1 {
		return DesignSummary{}, fmt.Errorf("one design ID requested, %d returned", resp.Total)
	}
	return summaryFromHeader(resp.Headers[0]), nil
}

func summaryFromHeader(h designHeader) DesignSummary {
	return DesignSummary{
		DesignID:   h.ID,
		DesignCode: DesignCode(h.ID),
		DesignName: h.DesignName,
		AuthorID:   h.PlayerID,
		AuthorName: h.PlayerName,
		CreatedAt:  time.Unix(h.CreatedAt, 0).UTC(),
		bodyURL:    h.BodyURL,
	}
}

// DownloadDesign fetches and decodes one design container by code.
func (f *Fetcher) DownloadDesign(ctx context.Context, code string) (*Container, error) {
	summary, err := f.LookupDesign(ctx, code)
	if err != nil {
		return nil, err
	}
	return f.downloadBody(ctx, summary)
}

func (f *Fetcher) downloadBody(ctx context.Context, summary DesignSummary) (*Container, error) {
	if summary.bodyURL == "" {
		return nil, fmt.Errorf("design %s listing carries no body URL", summary.DesignCode)
	}
	u, err := url.Parse(summary.bodyURL)
	if err != nil {
		return nil, fmt.Errorf("design %s body URL: %w", summary.DesignCode, err)
	}
	path := u.Path
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	raw, err := f.request(ctx, http.MethodGet, path, nil, acnherr.UnknownDesignCode)
	if err != nil {
		return nil, err
	}
	return DecodeContainer(raw)
}

// ListDesigns lists up to MaxDesigns designs owned by an author.
func (f *Fetcher) ListDesigns(ctx context.Context, authorID int64, pro bool) ([]DesignSummary, error) {
	query := url.Values{}
	query.Set("offset", "0")
	query.Set("limit", strconv.Itoa(MaxDesigns))
	query.Set("q[player_id]", strconv.FormatInt(authorID, 10))
	query.Set("q[pro]", strconv.FormatBool(pro))

	body, err := f.request(ctx, http.MethodGet, listDesignsPath, query, acnherr.UnknownAuthorID)
	if err != nil {
		return nil, err
	}

	var resp listDesignsResponse
	if err := msgpack.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding design listing: %w", err)
	}

	out := make([]DesignSummary, 0, len(resp.Headers))
	for _, h := range resp.Headers {
		out = append(out, summaryFromHeader(h))
	}
	return out, nil
}

// StaleDesigns returns the oldest designs that would have to be deleted to
// free `needed` kiosk slots on the operator's creator account. Empty when
// enough slots are already free.
func (f *Fetcher) StaleDesigns(ctx context.Context, needed int, pro bool) ([]DesignSummary, error) {
	listed, err := f.ListDesigns(ctx, f.opts.CreatorID, pro)
	if err != nil {
		return nil, err
	}
	if free := MaxDesigns - len(listed); free >= needed {
		return nil, nil
	}
	sort.Slice(listed, func(i, j int) bool { return listed[i].CreatedAt.Before(listed[j].CreatedAt) })
	if needed > len(listed) {
		needed = len(listed)
	}
	return listed[:needed], nil
}

// DeleteDesign removes a design from the operator's kiosk slots.
func (f *Fetcher) DeleteDesign(ctx context.Context, code string) error {
	id, err := DesignID(code)
	if err != nil {
		return err
	}
	_, err = f.request(ctx, http.MethodDelete, fmt.Sprintf(deleteDesignsFmt, id), nil, acnherr.UnknownDesignCode)
	return err
}

// Fetch retrieves the layer list for a design image and downloads every
// layer. Layers the service no longer knows are skipped, producing a partial
// entry; the operation only fails outright when nothing is retrievable.
func (f *Fetcher) Fetch(ctx context.Context, img DesignImage) (*Entry, error) {
	timer := logging.StartTimer(logging.CategoryDesigns, "fetch image")
	defer timer.Stop()

	body, err := f.request(ctx, http.MethodGet, fmt.Sprintf(imagePathFmt, img.ImageID), nil, acnherr.UnknownImageID)
	if err != nil {
		return nil, err
	}
	var meta imageResponse
	if err := msgpack.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("decoding image metadata: %w", err)
	}

	entry := &Entry{
		Image: DesignImage{
			ImageID:         meta.ImageID,
			ImageName:       meta.Name,
			AuthorID:        meta.PlayerID,
			AuthorName:      meta.PlayerName,
			DesignsRequired: meta.DesignsRequired,
			CreatorPrettyID: meta.CreatorPrettyID,
		},
		FetchedAt: time.Now(),
	}

	var (
		mu        sync.Mutex
		missing   int
		failed    int
		firstFail error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.opts.LayerConcurrency)
	for _, ref := range meta.Layers {
		ref := ref
		g.Go(func() error {
			layer, preview, err := f.fetchLayer(gctx, ref)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				entry.Layers = append(entry.Layers, layer)
				if ref.Position == 0 && len(preview) > 0 {
					entry.Preview = preview
				}
			case errors.Is(err, acnherr.UnknownDesignCode):
				// The kiosk slot was pruned upstream. Not an error: the
				// entry comes back partial and the caller offers recreate.
				missing++
				logging.Designs("image %d layer %d pruned upstream", img.ImageID, ref.Position)
			default:
				failed++
				if firstFail == nil {
					firstFail = err
				}
			}
			// Partial results are the contract: never abort the group.
			return nil
		})
	}
	g.Wait()

	if len(meta.Layers) > 0 && len(entry.Layers) == 0 && failed > 0 {
		return nil, fmt.Errorf("all %d layer downloads failed: %w", len(meta.Layers), errors.Join(firstFail, acnherr.UpstreamUnavailable))
	}

	sortLayers(entry.Layers)
	logging.Designs("image %d fetched: %d/%d layers (%d pruned, %d failed)",
		img.ImageID, entry.Completeness(), entry.Image.DesignsRequired, missing, failed)
	return entry, nil
}

// fetchLayer downloads and decodes one tile, returning the container's
// preview image alongside when it carries one.
func (f *Fetcher) fetchLayer(ctx context.Context, ref imageLayerRef) (Layer, []byte, error) {
	summary, err := f.lookupDesignID(ctx, ref.DesignID)
	if err != nil {
		return Layer{}, nil, err
	}
	container, err := f.downloadBody(ctx, summary)
	if err != nil {
		return Layer{}, nil, err
	}
	if len(container.Layers) == 0 {
		return Layer{}, nil, fmt.Errorf("design %s container decoded to no layers", summary.DesignCode)
	}
	return Layer{
		Position:   ref.Position,
		DesignCode: summary.DesignCode,
		PNG:        container.Layers[0].PNG,
	}, container.Preview, nil
}

// NumTiles reports how many 32x32 tiles an image of the given dimensions
// needs when split across kiosk slots.
func NumTiles(width, height int) int {
	across := (width + TileWidth - 1) / TileWidth
	down := (height + TileHeight - 1) / TileHeight
	return across * down
}
