// Package session implements the credential broker that exchanges console
// key material and account secrets for short-lived bearer tokens via the
// two-stage platform/game login protocol.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"

	"github.com/acnh-api/acnh-api-public/internal/acnherr"
	"github.com/acnh-api/acnh-api-public/internal/credstore"
	"github.com/acnh-api/acnh-api-public/internal/keymat"
	"github.com/acnh-api/acnh-api-public/internal/logging"
)

// Session is a bearer token with its validity window. Replaced atomically on
// refresh; a stale Session is never handed out for new requests.
type Session struct {
	BearerToken string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// ValidAt reports whether the session can still authenticate a request
// started at t, leaving the given safety margin before expiry.
func (s Session) ValidAt(t time.Time, margin time.Duration) bool {
	return s.BearerToken != "" && t.Before(s.ExpiresAt.Add(-margin))
}

// State is the broker's position in the login protocol.
type State int32

const (
	StateUnauthenticated State = iota
	StatePlatformAuthenticated
	StateGameAuthenticated
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "UNAUTHENTICATED"
	case StatePlatformAuthenticated:
		return "PLATFORM_AUTHENTICATED"
	case StateGameAuthenticated:
		return "GAME_AUTHENTICATED"
	case StateExpired:
		return "EXPIRED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Options configures a Broker. Zero values get sensible defaults.
type Options struct {
	PlatformBaseURL string
	GameBaseURL     string
	HTTPClient      *http.Client
	SafetyMargin    time.Duration
	MaxAttempts     int
	RetryBase       time.Duration
	RetryMax        time.Duration
}

// Broker owns the current Session and the key material, and serializes
// refreshes so concurrent callers cost exactly one login round trip.
type Broker struct {
	material keymat.KeyMaterial
	creds    *credstore.Credentials
	opts     Options

	group singleflight.Group

	mu      sync.RWMutex
	current Session

	state atomic.Int32
}

// New builds a Broker around already-derived key material. The broker is the
// only holder of the material; nothing above it ever sees the title key.
func New(material keymat.KeyMaterial, creds *credstore.Credentials, opts Options) *Broker {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.SafetyMargin <= 0 {
		opts.SafetyMargin = 5 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 4
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 500 * time.Millisecond
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 15 * time.Second
	}
	return &Broker{material: material, creds: creds, opts: opts}
}

// State returns the broker's current protocol state.
func (b *Broker) State() State {
	return State(b.state.Load())
}

// EnsureSession returns the current Session if it is still comfortably
// valid, otherwise performs (or joins) a single coalesced refresh. A
// caller-side timeout abandons only that caller's wait; the shared refresh
// keeps running for everyone else.
func (b *Broker) EnsureSession(ctx context.Context) (Session, error) {
	if s, ok := b.validSession(); ok {
		return s, nil
	}

	ch := b.group.DoChan("refresh", func() (any, error) {
		// Detached from any individual caller so one caller's cancellation
		// cannot kill a refresh other callers are waiting on.
		return b.refresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Session{}, res.Err
		}
		return res.Val.(Session), nil
	case <-ctx.Done():
		return Session{}, ctx.Err()
	}
}

// Invalidate drops the stored session, but only if it is still the one the
// caller saw rejected. A session refreshed in the meantime stays put.
func (b *Broker) Invalidate(rejected Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current.BearerToken == rejected.BearerToken {
		b.current = Session{}
		b.state.Store(int32(StateExpired))
		logging.Auth("session invalidated after upstream rejection")
	}
}

func (b *Broker) validSession() (Session, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.current.ValidAt(time.Now(), b.opts.SafetyMargin) {
		return b.current, true
	}
	return Session{}, false
}

// refresh runs the two-stage login. No broker lock is held across the
// network calls; only the result installation takes the write lock.
func (b *Broker) refresh(ctx context.Context) (Session, error) {
	// Another caller may have completed a refresh between our fast-path
	// check and the singleflight admission.
	if s, ok := b.validSession(); ok {
		return s, nil
	}

	timer := logging.StartTimer(logging.CategoryAuth, "session refresh")
	defer timer.Stop()

	platformToken, err := b.platformLogin(ctx)
	if err != nil {
		if errors.Is(err, acnherr.PlatformAuth) {
			b.state.Store(int32(StateExpired))
		}
		return Session{}, err
	}
	b.state.Store(int32(StatePlatformAuthenticated))

	sess, err := b.gameTokenExchange(ctx, platformToken)
	if err != nil {
		if errors.Is(err, acnherr.GameAuth) {
			b.state.Store(int32(StateExpired))
		}
		return Session{}, err
	}

	b.mu.Lock()
	b.current = sess
	b.mu.Unlock()
	b.state.Store(int32(StateGameAuthenticated))

	logging.Auth("session refreshed, expires %s", sess.ExpiresAt.Format(time.RFC3339))
	return sess, nil
}

func (b *Broker) platformLogin(ctx context.Context) (string, error) {
	req := platformLoginRequest{
		ProfileID:         b.creds.PlatformProfileID(),
		UserID:            b.creds.PlatformUserID(),
		Password:          b.creds.PlatformPassword(),
		DeviceID:          fmt.Sprintf("%016x", b.material.DeviceIDUint64()),
		DeviceCertificate: b.material.Certificate,
	}

	var resp platformLoginResponse
	err := b.withRetry(ctx, "platform login", func() error {
		return b.post(ctx, b.opts.PlatformBaseURL+platformLoginPath, "", req, &resp, acnherr.PlatformAuth)
	})
	if err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("platform login returned no token: %w", acnherr.PlatformAuth)
	}
	return resp.AccessToken, nil
}

func (b *Broker) gameTokenExchange(ctx context.Context, platformToken string) (Session, error) {
	req := gameTokenRequest{
		PlatformToken: platformToken,
		UserID:        b.creds.GameUserID(),
		Password:      b.creds.GamePassword(),
		TitleKey:      b.material.TitleKey[:],
	}

	var resp gameTokenResponse
	err := b.withRetry(ctx, "game token exchange", func() error {
		return b.post(ctx, b.opts.GameBaseURL+gameTokenPath, platformToken, req, &resp, acnherr.GameAuth)
	})
	if err != nil {
		return Session{}, err
	}
	if resp.Token == "" || resp.ExpiresIn <= 0 {
		return Session{}, fmt.Errorf("game token exchange returned an unusable token: %w", acnherr.GameAuth)
	}

	now := time.Now()
	return Session{
		BearerToken: resp.Token,
		IssuedAt:    now,
		ExpiresAt:   now.Add(time.Duration(resp.ExpiresIn) * time.Second),
	}, nil
}

// post sends a msgpack request and decodes a msgpack response. 4xx statuses
// map to the given authentication error; transport failures and 5xx map to
// UpstreamUnavailable so withRetry can tell them apart.
func (b *Broker) post(ctx context.Context, url, bearer string, in, out any, authErr *acnherr.Error) error {
	body, err := msgpack.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-msgpack")
	req.Header.Set("Accept", "application/x-msgpack")
	req.Header.Set("X-Idempotency-Key", uuid.NewString())
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := b.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", url, acnherr.UpstreamUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// fall through to decode
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Drain so the connection can be reused; never echo the body, it
		// can reference the credentials we sent.
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("upstream status %d: %w", resp.StatusCode, authErr)
	default:
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("upstream status %d: %w", resp.StatusCode, acnherr.UpstreamUnavailable)
	}

	if err := msgpack.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// withRetry retries fn on transient upstream failures with bounded
// exponential backoff. Authentication rejections surface immediately.
func (b *Broker) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= b.opts.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, acnherr.UpstreamUnavailable) {
			return err
		}
		if attempt == b.opts.MaxAttempts {
			break
		}

		backoff := b.computeBackoff(attempt)
		logging.Get(logging.CategoryAuth).Warn("%s attempt %d failed (%v), retrying in %v", op, attempt, err, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, b.opts.MaxAttempts, err)
}

// computeBackoff returns shifted exponential backoff capped at RetryMax.
func (b *Broker) computeBackoff(attempt int) time.Duration {
	shift := attempt - 1
	if shift > 10 {
		shift = 10
	}
	backoff := b.opts.RetryBase * time.Duration(1<<shift)
	if backoff > b.opts.RetryMax {
		backoff = b.opts.RetryMax
	}
	return backoff
}
