package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"collabtext/internal/crdt"
)

// Position is an identifier as it travels: an array of [level, site] pairs.
type Position crdt.Identifier

func (p Position) MarshalJSON() ([]byte, error) {
	pairs := make([][2]uint32, len(p))
	for i, c := range p {
		pairs[i] = [2]uint32{c.Level, uint32(c.Site)}
	}
	return json.Marshal(pairs)
}

func (p *Position) UnmarshalJSON(b []byte) error {
	var pairs [][2]uint32
	if err := json.Unmarshal(b, &pairs); err != nil {
		return fmt.Errorf("position: %w", err)
	}
	if len(pairs) == 0 {
		return errors.New("position: empty")
	}
	out := make(Position, len(pairs))
	for i, c := range pairs {
		out[i] = crdt.Component{Level: c[0], Site: crdt.Site(c[1])}
	}
	*p = out
	return nil
}

// Identifier returns p as a CRDT identifier.
func (p Position) Identifier() crdt.Identifier { return crdt.Identifier(p) }

// Key is the ordered map key of p.
func (p Position) Key() string { return crdt.Identifier(p).Key() }

// Symbol is the JSON form of a crdt.Symbol. Erase references carry only the
// position; change carries position, font and color; align carries position
// and alignment.
type Symbol struct {
	Position  Position        `json:"position"`
	Value     string          `json:"value,omitempty"`
	Font      *crdt.Font      `json:"font,omitempty"`
	Color     string          `json:"color,omitempty"`
	Alignment *crdt.Alignment `json:"alignment,omitempty"`
}

// FromSymbol encodes every field of s.
func FromSymbol(s crdt.Symbol) Symbol {
	font := s.Format.Font
	align := s.Alignment
	return Symbol{
		Position:  Position(s.ID),
		Value:     string(s.Value),
		Font:      &font,
		Color:     s.Format.Color.Hex(),
		Alignment: &align,
	}
}

// Ref encodes a bare reference to id.
func Ref(id crdt.Identifier) Symbol { return Symbol{Position: Position(id)} }

// LineHead encodes the alignment of line 0, which lives on the leading
// sentinel, as a null-character symbol at the minimal position.
func LineHead(a crdt.Alignment) Symbol {
	return FromSymbol(crdt.Symbol{ID: crdt.Min, Alignment: a})
}

// ToSymbol decodes a full symbol. Missing attributes take their zero value.
func (s Symbol) ToSymbol() (crdt.Symbol, error) {
	if len(s.Position) == 0 {
		return crdt.Symbol{}, errors.New("symbol: missing position")
	}
	r, n := utf8.DecodeRuneInString(s.Value)
	if n == 0 || n != len(s.Value) || (r == utf8.RuneError && n == 1) {
		return crdt.Symbol{}, fmt.Errorf("symbol: value must be one character, got %q", s.Value)
	}
	out := crdt.Symbol{ID: crdt.Identifier(s.Position).Clone(), Value: r}
	if err := s.format(&out.Format); err != nil {
		return crdt.Symbol{}, err
	}
	if s.Alignment != nil {
		if !s.Alignment.Valid() {
			return crdt.Symbol{}, fmt.Errorf("symbol: invalid alignment %d", *s.Alignment)
		}
		out.Alignment = *s.Alignment
	}
	return out, nil
}

func (s Symbol) format(f *crdt.Format) error {
	if s.Font != nil {
		f.Font = *s.Font
	}
	if s.Color != "" {
		c, err := crdt.ParseColor(s.Color)
		if err != nil {
			return fmt.Errorf("symbol: %w", err)
		}
		f.Color = c
	}
	return nil
}

// ToSymbols decodes a snapshot body. A null-character symbol at the minimal
// position is kept; crdt.Document.Load reads line 0's alignment from it.
func ToSymbols(in []Symbol) ([]crdt.Symbol, error) {
	out := make([]crdt.Symbol, 0, len(in))
	for i, s := range in {
		cs, err := s.ToSymbol()
		if err != nil {
			return nil, fmt.Errorf("symbol %d: %w", i, err)
		}
		out = append(out, cs)
	}
	return out, nil
}

// FromDocument encodes the full content of d, including the line 0 head, in
// identifier order.
func FromDocument(d *crdt.Document) []Symbol {
	syms := d.Symbols()
	out := make([]Symbol, 0, len(syms)+1)
	out = append(out, LineHead(d.Alignment(0)))
	for _, s := range syms {
		out = append(out, FromSymbol(s))
	}
	return out
}

// EncodeSnapshot renders symbols in the storage format: a JSON array in the
// order given.
func EncodeSnapshot(symbols []Symbol) ([]byte, error) {
	if symbols == nil {
		symbols = []Symbol{}
	}
	b, err := json.Marshal(symbols)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return b, nil
}

// DecodeSnapshot parses the storage format. An empty input is an empty
// document.
func DecodeSnapshot(b []byte) ([]Symbol, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var out []Symbol
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return out, nil
}
