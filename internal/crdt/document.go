package crdt

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// ErrOutOfRange is returned by local edits addressed outside the document.
var ErrOutOfRange = errors.New("crdt: position out of range")

// Document is the ordered set of symbols between the two sentinels.
//
// syms is kept sorted by identifier with the sentinels at both ends. heads
// holds the slice index of every line head (the leading sentinel, then each
// newline) in ascending order and is shifted in place on every mutation.
// A Document is not safe for concurrent use; the replica owns it on one
// goroutine.
type Document struct {
	alloc *Allocator
	syms  []Symbol
	heads []int
}

// NewDocument returns an empty document for site.
func NewDocument(site Site) *Document {
	return NewDocumentWithAllocator(NewAllocator(site, uint64(site)))
}

// NewDocumentWithAllocator returns an empty document using alloc.
func NewDocumentWithAllocator(alloc *Allocator) *Document {
	return &Document{
		alloc: alloc,
		syms: []Symbol{
			{ID: Min},
			{ID: Max},
		},
		heads: []int{0},
	}
}

// Site returns the site this document allocates for.
func (d *Document) Site() Site { return d.alloc.Site() }

// Len returns the number of visible symbols.
func (d *Document) Len() int { return len(d.syms) - 2 }

// Lines returns the number of lines. An empty document has one line.
func (d *Document) Lines() int { return len(d.heads) }

// LineLength returns the number of symbols on line, not counting the newline
// that ends it.
func (d *Document) LineLength(line int) int {
	if line < 0 || line >= len(d.heads) {
		return 0
	}
	return d.lineEnd(line) - d.heads[line] - 1
}

// lineEnd is the slice index of the symbol that terminates line: the next
// head or the trailing sentinel.
func (d *Document) lineEnd(line int) int {
	if line+1 < len(d.heads) {
		return d.heads[line+1]
	}
	return len(d.syms) - 1
}

// Text returns the visible characters.
func (d *Document) Text() string {
	var b strings.Builder
	b.Grow(d.Len())
	for _, s := range d.syms[1 : len(d.syms)-1] {
		b.WriteRune(s.Value)
	}
	return b.String()
}

// Symbols returns copies of the visible symbols in document order.
func (d *Document) Symbols() []Symbol {
	return slices.Clone(d.syms[1 : len(d.syms)-1])
}

// Alignment returns the alignment of line.
func (d *Document) Alignment(line int) Alignment {
	if line < 0 || line >= len(d.heads) {
		return AlignLeft
	}
	return d.syms[d.heads[line]].Alignment
}

// Head returns the identifier of the symbol heading line.
func (d *Document) Head(line int) (Identifier, error) {
	if line < 0 || line >= len(d.heads) {
		return nil, fmt.Errorf("%w: line %d", ErrOutOfRange, line)
	}
	return d.syms[d.heads[line]].ID, nil
}

// search returns the slice index where id is or would be, and whether it is
// present.
func (d *Document) search(id Identifier) (int, bool) {
	return slices.BinarySearchFunc(d.syms, id, func(s Symbol, target Identifier) int {
		return Compare(s.ID, target)
	})
}

// coordinate maps a slice index of a visible symbol to (line, index).
func (d *Document) coordinate(p int) (int, int) {
	line := sort.SearchInts(d.heads, p) - 1
	return line, p - d.heads[line] - 1
}

// slot maps (line, index) to the slice index a symbol inserted there would
// take. index may equal the line length.
func (d *Document) slot(line, index int) (int, error) {
	if line < 0 || line >= len(d.heads) || index < 0 || index > d.LineLength(line) {
		return 0, fmt.Errorf("%w: (%d, %d)", ErrOutOfRange, line, index)
	}
	return d.heads[line] + 1 + index, nil
}

// FindPosition returns the editor coordinates of id.
func (d *Document) FindPosition(id Identifier) (line, index int, ok bool) {
	p, found := d.search(id)
	if !found || p == 0 || p == len(d.syms)-1 {
		return 0, 0, false
	}
	line, index = d.coordinate(p)
	return line, index, true
}

// CoordinateToID returns the identifier of the symbol at (line, index). The
// newline ending a line is addressed at index == LineLength(line).
func (d *Document) CoordinateToID(line, index int) (Identifier, error) {
	p, err := d.slot(line, index)
	if err != nil {
		return nil, err
	}
	if p >= len(d.syms)-1 {
		return nil, fmt.Errorf("%w: (%d, %d)", ErrOutOfRange, line, index)
	}
	return d.syms[p].ID, nil
}

// insertAt splices run into syms at p and shifts the line index.
func (d *Document) insertAt(p int, run ...Symbol) {
	d.syms = slices.Insert(d.syms, p, run...)
	k := sort.SearchInts(d.heads, p)
	for i := k; i < len(d.heads); i++ {
		d.heads[i] += len(run)
	}
	var added []int
	for i, s := range run {
		if s.Newline() {
			added = append(added, p+i)
		}
	}
	if len(added) > 0 {
		d.heads = slices.Insert(d.heads, k, added...)
	}
}

// removeRange deletes syms[p:p+n] and shifts the line index.
func (d *Document) removeRange(p, n int) {
	d.syms = slices.Delete(d.syms, p, p+n)
	lo := sort.SearchInts(d.heads, p)
	hi := sort.SearchInts(d.heads, p+n)
	d.heads = slices.Delete(d.heads, lo, hi)
	for i := lo; i < len(d.heads); i++ {
		d.heads[i] -= n
	}
}

// LocalInsert inserts value at (line, index) and returns the operation to
// broadcast.
func (d *Document) LocalInsert(line, index int, value rune, attrs Attrs) (Insert, error) {
	p, err := d.slot(line, index)
	if err != nil {
		return Insert{}, err
	}
	s := Symbol{
		ID:        d.alloc.Between(d.syms[p-1].ID, d.syms[p].ID),
		Value:     value,
		Format:    attrs.Format,
		Alignment: attrs.Alignment,
	}
	d.insertAt(p, s)
	return Insert{Symbol: s}, nil
}

// LocalInsertGroup inserts text at (line, index). The first symbol takes a
// fresh identifier in the gap; the rest become its descendants on a single
// new level. No identifier another site allocates in the same gap can sort
// inside the run, so concurrent inserts never interleave with it.
func (d *Document) LocalInsertGroup(line, index int, text string, attrs Attrs) (InsertGroup, error) {
	p, err := d.slot(line, index)
	if err != nil {
		return InsertGroup{}, err
	}
	after := d.syms[p-1].ID
	hi := d.syms[p].ID
	run := make([]Symbol, 0, len(text))
	prev := after
	for _, r := range text {
		id := d.alloc.Between(prev, hi)
		if len(run) == 0 {
			hi = append(id.Clone(), Component{Level: MaxLevel})
		}
		run = append(run, Symbol{ID: id, Value: r, Format: attrs.Format, Alignment: attrs.Alignment})
		prev = id
	}
	d.insertAt(p, run...)
	return InsertGroup{After: after, Symbols: slices.Clone(run)}, nil
}

// LocalErase removes length symbols starting at (line, index). The run may
// span lines.
func (d *Document) LocalErase(line, index, length int) (Erase, error) {
	p, err := d.slot(line, index)
	if err != nil {
		return Erase{}, err
	}
	if length < 0 || p+length > len(d.syms)-1 {
		return Erase{}, fmt.Errorf("%w: erase %d at (%d, %d)", ErrOutOfRange, length, line, index)
	}
	ids := make([]Identifier, length)
	for i := range ids {
		ids[i] = d.syms[p+i].ID
	}
	d.removeRange(p, length)
	return Erase{IDs: ids}, nil
}

// LocalChange overwrites the format of length symbols starting at
// (line, index).
func (d *Document) LocalChange(line, index, length int, format Format) (Change, error) {
	p, err := d.slot(line, index)
	if err != nil {
		return Change{}, err
	}
	if length < 0 || p+length > len(d.syms)-1 {
		return Change{}, fmt.Errorf("%w: change %d at (%d, %d)", ErrOutOfRange, length, line, index)
	}
	ids := make([]Identifier, length)
	for i := range ids {
		d.syms[p+i].Format = format
		ids[i] = d.syms[p+i].ID
	}
	return Change{IDs: ids, Format: format}, nil
}

// LocalChangeAlignment sets the alignment of line.
func (d *Document) LocalChangeAlignment(line int, a Alignment) (ChangeAlignment, error) {
	if line < 0 || line >= len(d.heads) {
		return ChangeAlignment{}, fmt.Errorf("%w: line %d", ErrOutOfRange, line)
	}
	h := d.heads[line]
	d.syms[h].Alignment = a
	return ChangeAlignment{Line: d.syms[h].ID, Alignment: a}, nil
}

// Merge applies a remote operation and reports what the editor has to
// render. Identifiers that are already present (inserts) or absent (erase,
// change, align) are skipped; that is how concurrent deletes surface.
func (d *Document) Merge(op Operation) []Render {
	switch op := op.(type) {
	case Insert:
		if r, ok := d.mergeInsert(op.Symbol); ok {
			return []Render{r}
		}
	case InsertGroup:
		var out []Render
		for _, s := range op.Symbols {
			if r, ok := d.mergeInsert(s); ok {
				out = append(out, r)
			}
		}
		return out
	case Erase:
		return d.mergeErase(op.IDs)
	case Change:
		var out []Render
		for _, id := range op.IDs {
			p, found := d.search(id)
			if !found || p == 0 || p == len(d.syms)-1 {
				continue
			}
			d.syms[p].Format = op.Format
			line, index := d.coordinate(p)
			out = append(out, Render{Kind: RenderFormat, Line: line, Index: index, Symbol: d.syms[p]})
		}
		return out
	case ChangeAlignment:
		p, found := d.search(op.Line)
		if !found {
			return nil
		}
		line := sort.SearchInts(d.heads, p)
		if line >= len(d.heads) || d.heads[line] != p {
			return nil
		}
		d.syms[p].Alignment = op.Alignment
		return []Render{{Kind: RenderAlign, Line: line, Alignment: op.Alignment}}
	}
	return nil
}

func (d *Document) mergeInsert(s Symbol) (Render, bool) {
	p, found := d.search(s.ID)
	if found || p == 0 || p == len(d.syms) {
		return Render{}, false
	}
	d.insertAt(p, s)
	line, index := d.coordinate(p)
	return Render{Kind: RenderInsert, Line: line, Index: index, Symbol: s}, true
}

// mergeErase removes present identifiers from the back of the document to
// the front, so each reported coordinate is valid when it is applied.
func (d *Document) mergeErase(ids []Identifier) []Render {
	idx := make([]int, 0, len(ids))
	for _, id := range ids {
		p, found := d.search(id)
		if !found || p == 0 || p == len(d.syms)-1 {
			continue
		}
		idx = append(idx, p)
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)
	out := make([]Render, 0, len(idx))
	for i := len(idx) - 1; i >= 0; i-- {
		p := idx[i]
		line, index := d.coordinate(p)
		out = append(out, Render{Kind: RenderErase, Line: line, Index: index, Symbol: d.syms[p]})
		d.removeRange(p, 1)
	}
	return out
}

// Load replaces the content with syms, as received in a snapshot. A symbol
// at Min carries the alignment of line 0 and is not inserted.
func (d *Document) Load(syms []Symbol) {
	head := Symbol{ID: Min}
	body := make([]Symbol, 0, len(syms))
	for _, s := range syms {
		switch Compare(s.ID, Min) {
		case 0:
			head.Alignment = s.Alignment
			continue
		case -1:
			continue
		}
		if Compare(s.ID, Max) >= 0 {
			continue
		}
		body = append(body, s)
	}
	slices.SortFunc(body, func(a, b Symbol) int { return Compare(a.ID, b.ID) })
	body = slices.CompactFunc(body, func(a, b Symbol) bool { return Compare(a.ID, b.ID) == 0 })

	d.syms = make([]Symbol, 0, len(body)+2)
	d.syms = append(d.syms, head)
	d.syms = append(d.syms, body...)
	d.syms = append(d.syms, Symbol{ID: Max})
	d.heads = d.heads[:0]
	d.heads = append(d.heads, 0)
	for i, s := range d.syms {
		if i > 0 && s.Newline() {
			d.heads = append(d.heads, i)
		}
	}
}

// Head0 returns the leading sentinel as a symbol, for serializing the
// alignment of line 0.
func (d *Document) Head0() Symbol { return d.syms[0] }
