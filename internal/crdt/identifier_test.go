package crdt

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b Identifier
		want int
	}{
		{"equal", Identifier{{5, 1}}, Identifier{{5, 1}}, 0},
		{"level decides", Identifier{{4, 9}}, Identifier{{5, 1}}, -1},
		{"site breaks level tie", Identifier{{5, 2}}, Identifier{{5, 1}}, 1},
		{"prefix sorts first", Identifier{{5, 1}}, Identifier{{5, 1}, {0, 0}}, -1},
		{"deeper component", Identifier{{5, 1}, {3, 3}}, Identifier{{5, 1}, {2, 9}}, 1},
		{"min below everything", Min, Identifier{{0, 0}, {1, 1}}, -1},
		{"max above everything", Max, Identifier{{MaxLevel - 1, 99}, {7, 7}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compare(tt.a, tt.b))
			assert.Equal(t, -tt.want, Compare(tt.b, tt.a))
		})
	}
}

func TestKeyOrderMatchesCompare(t *testing.T) {
	ids := []Identifier{
		Max,
		{{5, 1}, {0, 0}, {3, 2}},
		{{5, 1}},
		Min,
		{{5, 0xffffffff}},
		{{0, 0}, {12, 4}},
		{{6, 0}},
	}
	byKey := append([]Identifier(nil), ids...)
	sort.Slice(byKey, func(i, j int) bool { return byKey[i].Key() < byKey[j].Key() })
	byCompare := append([]Identifier(nil), ids...)
	sort.Slice(byCompare, func(i, j int) bool { return byCompare[i].Less(byCompare[j]) })
	assert.Equal(t, byCompare, byKey)

	for _, id := range ids {
		back, err := ParseKey(id.Key())
		require.NoError(t, err)
		assert.True(t, back.Equal(id))
	}
	_, err := ParseKey("abc")
	assert.Error(t, err)
}

func TestBetweenEmptyDocument(t *testing.T) {
	a := NewAllocator(7, 1)
	id := a.Between(Min, Max)
	assert.True(t, Min.Less(id))
	assert.True(t, id.Less(Max))
	assert.Len(t, id, 1)
	assert.Equal(t, Site(7), id[0].Site)
}

func TestBetweenAdjacentLevels(t *testing.T) {
	a := NewAllocator(3, 1)
	lo := Identifier{{5, 9}}
	hi := Identifier{{6, 1}}
	id := a.Between(lo, hi)
	assert.True(t, lo.Less(id), "%v !< %v", lo, id)
	assert.True(t, id.Less(hi), "%v !< %v", id, hi)
	assert.Equal(t, lo[0], id[0])
}

func TestBetweenHiExtendsLo(t *testing.T) {
	a := NewAllocator(200, 1)
	lo := Identifier{{5, 1}}
	hi := Identifier{{5, 1}, {0, 0}, {1, 4}}
	id := a.Between(lo, hi)
	assert.True(t, lo.Less(id), "%v !< %v", lo, id)
	assert.True(t, id.Less(hi), "%v !< %v", id, hi)
}

func TestBetweenDensity(t *testing.T) {
	a := NewAllocator(42, 99)
	t.Run("narrowing towards lo", func(t *testing.T) {
		lo, hi := Min, Max
		for i := 0; i < 10000; i++ {
			id := a.Between(lo, hi)
			require.True(t, lo.Less(id), "iteration %d: %v !< %v", i, lo, id)
			require.True(t, id.Less(hi), "iteration %d: %v !< %v", i, id, hi)
			hi = id
		}
	})
	t.Run("narrowing towards hi", func(t *testing.T) {
		lo, hi := Min, Max
		for i := 0; i < 10000; i++ {
			id := a.Between(lo, hi)
			require.True(t, lo.Less(id), "iteration %d", i)
			require.True(t, id.Less(hi), "iteration %d", i)
			lo = id
		}
		// appending stays on the first level for a long time
		assert.Len(t, lo, 1)
	})
	t.Run("bisecting", func(t *testing.T) {
		lo, hi := Min, Max
		for i := 0; i < 10000; i++ {
			id := a.Between(lo, hi)
			require.True(t, lo.Less(id), "iteration %d", i)
			require.True(t, id.Less(hi), "iteration %d", i)
			if i%2 == 0 {
				lo = id
			} else {
				hi = id
			}
		}
	})
}

func TestConcurrentAllocationsDiffer(t *testing.T) {
	a := NewAllocator(SiteFor("alice"), 1)
	b := NewAllocator(SiteFor("bob"), 1)
	lo := Identifier{{10, 1}}
	hi := Identifier{{11, 1}}
	x, y := a.Between(lo, hi), b.Between(lo, hi)
	assert.NotEqual(t, 0, Compare(x, y))
}

func TestSiteForIsStable(t *testing.T) {
	assert.Equal(t, SiteFor("alice@example.com"), SiteFor("alice@example.com"))
	assert.NotEqual(t, SiteFor("alice@example.com"), SiteFor("bob@example.com"))
}
