package wire

import (
	"errors"
	"fmt"

	"collabtext/internal/crdt"
)

// ErrBadOperation wraps every malformed edit message.
var ErrBadOperation = errors.New("malformed operation")

// Operation is the message form of a document edit. Which fields are set
// depends on Type:
//
//	insert  symbol (full)
//	paste   after, symbols (full)
//	erase   symbols (position only)
//	change  symbol (position, font, color)
//	align   symbol (position, alignment)
type Operation struct {
	Type    string   `json:"type"`
	Symbol  *Symbol  `json:"symbol,omitempty"`
	Symbols []Symbol `json:"symbols,omitempty"`
	After   Position `json:"after,omitempty"`
}

// EncodeOperation turns a local edit into the messages that carry it. A
// Change over several symbols becomes one change message per symbol.
func EncodeOperation(op crdt.Operation) ([]Operation, error) {
	switch op := op.(type) {
	case crdt.Insert:
		s := FromSymbol(op.Symbol)
		return []Operation{{Type: TypeInsert, Symbol: &s}}, nil
	case crdt.InsertGroup:
		syms := make([]Symbol, len(op.Symbols))
		for i, s := range op.Symbols {
			syms[i] = FromSymbol(s)
		}
		return []Operation{{Type: TypePaste, After: Position(op.After), Symbols: syms}}, nil
	case crdt.Erase:
		refs := make([]Symbol, len(op.IDs))
		for i, id := range op.IDs {
			refs[i] = Ref(id)
		}
		return []Operation{{Type: TypeErase, Symbols: refs}}, nil
	case crdt.Change:
		out := make([]Operation, len(op.IDs))
		for i, id := range op.IDs {
			font := op.Format.Font
			out[i] = Operation{Type: TypeChange, Symbol: &Symbol{
				Position: Position(id),
				Font:     &font,
				Color:    op.Format.Color.Hex(),
			}}
		}
		return out, nil
	case crdt.ChangeAlignment:
		a := op.Alignment
		return []Operation{{Type: TypeAlign, Symbol: &Symbol{Position: Position(op.Line), Alignment: &a}}}, nil
	}
	return nil, fmt.Errorf("%w: unsupported %T", ErrBadOperation, op)
}

// Validate checks that the fields Type requires are present.
func (m Operation) Validate() error {
	switch m.Type {
	case TypeInsert:
		if m.Symbol == nil || len(m.Symbol.Position) == 0 || m.Symbol.Value == "" {
			return fmt.Errorf("%w: insert needs a symbol with position and value", ErrBadOperation)
		}
	case TypePaste:
		if len(m.Symbols) == 0 {
			return fmt.Errorf("%w: paste needs symbols", ErrBadOperation)
		}
		for i, s := range m.Symbols {
			if len(s.Position) == 0 || s.Value == "" {
				return fmt.Errorf("%w: paste symbol %d needs position and value", ErrBadOperation, i)
			}
		}
	case TypeErase:
		if len(m.Symbols) == 0 {
			return fmt.Errorf("%w: erase needs symbols", ErrBadOperation)
		}
		for i, s := range m.Symbols {
			if len(s.Position) == 0 {
				return fmt.Errorf("%w: erase symbol %d needs a position", ErrBadOperation, i)
			}
		}
	case TypeChange:
		if m.Symbol == nil || len(m.Symbol.Position) == 0 || m.Symbol.Font == nil || m.Symbol.Color == "" {
			return fmt.Errorf("%w: change needs position, font and color", ErrBadOperation)
		}
	case TypeAlign:
		if m.Symbol == nil || len(m.Symbol.Position) == 0 || m.Symbol.Alignment == nil {
			return fmt.Errorf("%w: align needs position and alignment", ErrBadOperation)
		}
		if !m.Symbol.Alignment.Valid() {
			return fmt.Errorf("%w: invalid alignment %d", ErrBadOperation, *m.Symbol.Alignment)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrBadOperation, m.Type)
	}
	return nil
}

// Decode turns a received edit message into a CRDT operation.
func (m Operation) Decode() (crdt.Operation, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	switch m.Type {
	case TypeInsert:
		s, err := m.Symbol.ToSymbol()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadOperation, err)
		}
		return crdt.Insert{Symbol: s}, nil
	case TypePaste:
		syms, err := ToSymbols(m.Symbols)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadOperation, err)
		}
		return crdt.InsertGroup{After: m.After.Identifier().Clone(), Symbols: syms}, nil
	case TypeErase:
		ids := make([]crdt.Identifier, len(m.Symbols))
		for i, s := range m.Symbols {
			ids[i] = s.Position.Identifier().Clone()
		}
		return crdt.Erase{IDs: ids}, nil
	case TypeChange:
		var f crdt.Format
		if err := m.Symbol.format(&f); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadOperation, err)
		}
		return crdt.Change{IDs: []crdt.Identifier{m.Symbol.Position.Identifier().Clone()}, Format: f}, nil
	default: // TypeAlign
		return crdt.ChangeAlignment{Line: m.Symbol.Position.Identifier().Clone(), Alignment: *m.Symbol.Alignment}, nil
	}
}
