package crdt

// Operation is an immutable edit exchanged between replicas. Applying an
// operation is idempotent per identifier.
type Operation interface {
	isOperation()
}

// Insert adds a single symbol.
type Insert struct {
	Symbol Symbol
}

// InsertGroup adds a run of symbols allocated by the origin in one edit.
// After is the identifier that preceded the run at the origin; receivers
// place each symbol by its own identifier.
type InsertGroup struct {
	After   Identifier
	Symbols []Symbol
}

// Erase removes symbols by reference.
type Erase struct {
	IDs []Identifier
}

// Change overwrites the format of the referenced symbols, last write wins.
type Change struct {
	IDs    []Identifier
	Format Format
}

// ChangeAlignment sets the alignment of the line headed by Line.
type ChangeAlignment struct {
	Line      Identifier
	Alignment Alignment
}

func (Insert) isOperation()          {}
func (InsertGroup) isOperation()     {}
func (Erase) isOperation()           {}
func (Change) isOperation()          {}
func (ChangeAlignment) isOperation() {}

// RenderKind says what a Render asks the editor surface to do.
type RenderKind int

const (
	RenderInsert RenderKind = iota
	RenderErase
	RenderFormat
	RenderAlign
)

func (k RenderKind) String() string {
	switch k {
	case RenderInsert:
		return "insert"
	case RenderErase:
		return "erase"
	case RenderFormat:
		return "format"
	case RenderAlign:
		return "align"
	}
	return "unknown"
}

// Render is one visible consequence of a merged operation, in editor
// coordinates valid at the moment it was produced. Applying a slice of
// renders in order reproduces the merge on the editor surface.
type Render struct {
	Kind      RenderKind
	Line      int
	Index     int
	Symbol    Symbol
	Alignment Alignment
}
