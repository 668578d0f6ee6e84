// Package designs fetches design artwork from the upstream service and
// decodes the proprietary multi-layer image container into PNG layers.
package designs

import (
	"sort"
	"time"
)

// DesignImage identifies a multi-layer design set. DesignsRequired is
// authoritative and may exceed what is currently cached.
type DesignImage struct {
	ImageID         int64
	ImageName       string
	AuthorID        int64
	AuthorName      string
	DesignsRequired int
	CreatorPrettyID string
}

// Layer is one tile of a multi-layer design. Position is stable and defines
// display order.
type Layer struct {
	Position   int
	DesignCode string
	PNG        []byte
}

// Entry is the decoded artifact set for one design image: the unit the
// design cache stores. Layers is kept sorted by position.
type Entry struct {
	Image      DesignImage
	Layers     []Layer
	Preview    []byte
	FetchedAt  time.Time
	lastAccess time.Time
}

// Completeness is the count of layers present. An entry with
// Completeness() < Image.DesignsRequired is partial: callers must offer a
// recreate path rather than serving it as complete.
func (e *Entry) Completeness() int { return len(e.Layers) }

// Partial reports whether some declared layers are missing.
func (e *Entry) Partial() bool { return e.Completeness() < e.Image.DesignsRequired }

// Size is the entry's storage cost in bytes of decoded image data.
func (e *Entry) Size() int64 {
	total := int64(len(e.Preview))
	for _, l := range e.Layers {
		total += int64(len(l.PNG))
	}
	return total
}

// Touch records an access for recency-based eviction.
func (e *Entry) Touch(t time.Time) { e.lastAccess = t }

// LastAccess returns the most recent access time.
func (e *Entry) LastAccess() time.Time { return e.lastAccess }

// sortLayers keeps the position invariant after assembly.
func sortLayers(layers []Layer) {
	sort.Slice(layers, func(i, j int) bool { return layers[i].Position < layers[j].Position })
}
