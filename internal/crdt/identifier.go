// Package crdt implements the replicated sequence that backs a shared
// document: every character is a Symbol keyed by a globally unique,
// totally ordered Identifier, so concurrent edits from different sites
// converge without coordination.
package crdt

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// MaxLevel is the level of the maximal sentinel. Allocated levels are always
// strictly between 0 and MaxLevel.
const MaxLevel = math.MaxUint32

// DefaultBoundary caps how far past the lower bound a fresh level is picked.
const DefaultBoundary = 32

// Site identifies a replica. It is derived from the durable username so it is
// stable across reconnects.
type Site uint32

// SiteFor derives the site id of a user.
func SiteFor(username string) Site {
	return Site(xxhash.Sum64String(username))
}

// Component is one (level, site) pair of an Identifier.
type Component struct {
	Level uint32
	Site  Site
}

func compareComponent(a, b Component) int {
	switch {
	case a.Level < b.Level:
		return -1
	case a.Level > b.Level:
		return 1
	case a.Site < b.Site:
		return -1
	case a.Site > b.Site:
		return 1
	}
	return 0
}

// Identifier is an ordered position key. Identifiers compare component by
// component and then by length, a strict prefix sorting first.
type Identifier []Component

var (
	// Min is the identifier of the leading sentinel. It is also the head of
	// line 0.
	Min = Identifier{{Level: 0, Site: 0}}
	// Max is the identifier of the trailing sentinel.
	Max = Identifier{{Level: MaxLevel, Site: 0}}
)

// Compare returns -1, 0 or +1.
func Compare(a, b Identifier) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if c := compareComponent(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// Less reports whether id sorts before other.
func (id Identifier) Less(other Identifier) bool { return Compare(id, other) < 0 }

// Equal reports whether both identifiers are the same position.
func (id Identifier) Equal(other Identifier) bool { return Compare(id, other) == 0 }

// Clone returns a copy that does not share storage with id.
func (id Identifier) Clone() Identifier {
	out := make(Identifier, len(id))
	copy(out, id)
	return out
}

// Key renders id as a fixed-width hex string. Byte-wise comparison of keys
// matches Compare, so keys can index ordered maps.
func (id Identifier) Key() string {
	var b strings.Builder
	b.Grow(len(id) * 16)
	for _, c := range id {
		fmt.Fprintf(&b, "%08x%08x", c.Level, uint32(c.Site))
	}
	return b.String()
}

// ParseKey is the inverse of Key.
func ParseKey(key string) (Identifier, error) {
	if len(key) == 0 || len(key)%16 != 0 {
		return nil, fmt.Errorf("invalid identifier key %q", key)
	}
	id := make(Identifier, 0, len(key)/16)
	for i := 0; i < len(key); i += 16 {
		var level, site uint32
		if _, err := fmt.Sscanf(key[i:i+16], "%08x%08x", &level, &site); err != nil {
			return nil, fmt.Errorf("invalid identifier key %q: %w", key, err)
		}
		id = append(id, Component{Level: level, Site: Site(site)})
	}
	return id, nil
}

func (id Identifier) String() string {
	parts := make([]string, len(id))
	for i, c := range id {
		parts[i] = fmt.Sprintf("%d:%d", c.Level, c.Site)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Allocator hands out identifiers for one site.
type Allocator struct {
	site     Site
	boundary uint64
	rnd      *rand.Rand
}

// NewAllocator returns an allocator for site. The random source only spreads
// picks inside a gap; ordering never depends on it.
func NewAllocator(site Site, seed uint64) *Allocator {
	return &Allocator{
		site:     site,
		boundary: DefaultBoundary,
		rnd:      rand.New(rand.NewPCG(seed, uint64(site))),
	}
}

// Site returns the site tag used for new components.
func (a *Allocator) Site() Site { return a.site }

// Between returns an identifier strictly greater than lo and strictly less
// than hi. lo must sort before hi.
//
// At the first level where the two bounds leave a free integer, a level is
// picked in that gap and tagged with the allocating site. Otherwise lo's
// component is copied (the minimal filler once lo runs out) and the walk
// descends one level. The result never ends in a filler, so a gap always
// exists below any allocated identifier.
func (a *Allocator) Between(lo, hi Identifier) Identifier {
	out := make(Identifier, 0, len(lo)+1)
	bounded := true
	for i := 0; ; i++ {
		var l uint64
		if i < len(lo) {
			l = uint64(lo[i].Level)
		}
		h := uint64(MaxLevel)
		if bounded && i < len(hi) {
			h = uint64(hi[i].Level)
		}
		if h > l+1 {
			gap := h - l - 1
			step := 1 + a.rnd.Uint64N(min(a.boundary, gap))
			return append(out, Component{Level: uint32(l + step), Site: a.site})
		}
		var c Component
		if i < len(lo) {
			c = lo[i]
		}
		out = append(out, c)
		if bounded && (i >= len(hi) || c != hi[i]) {
			bounded = false
		}
	}
}
