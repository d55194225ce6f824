package crdt

import (
	"fmt"
	"strconv"
)

// Alignment is a per-line paragraph alignment.
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignCenter
	AlignRight
	AlignJustify
)

func (a Alignment) Valid() bool { return a >= AlignLeft && a <= AlignJustify }

func (a Alignment) String() string {
	switch a {
	case AlignLeft:
		return "left"
	case AlignCenter:
		return "center"
	case AlignRight:
		return "right"
	case AlignJustify:
		return "justify"
	}
	return "alignment(" + strconv.Itoa(int(a)) + ")"
}

// Font holds the character-level typeface attributes.
type Font struct {
	Family    string  `json:"family"`
	PointSize float64 `json:"size"`
	Weight    int     `json:"weight"`
	Italic    bool    `json:"italic,omitempty"`
	Underline bool    `json:"underline,omitempty"`
	StrikeOut bool    `json:"strikeout,omitempty"`
}

// Color is an RGB foreground color.
type Color struct {
	R, G, B uint8
}

// Hex renders c as #rrggbb.
func (c Color) Hex() string { return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B) }

// ParseColor parses #rrggbb.
func ParseColor(s string) (Color, error) {
	var c Color
	if len(s) != 7 || s[0] != '#' {
		return c, fmt.Errorf("invalid color %q", s)
	}
	v, err := strconv.ParseUint(s[1:], 16, 32)
	if err != nil {
		return c, fmt.Errorf("invalid color %q: %w", s, err)
	}
	return Color{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v)}, nil
}

// Format is the set of character attributes that Change overwrites.
type Format struct {
	Font  Font
	Color Color
}

// Attrs are the attributes a new symbol is created with.
type Attrs struct {
	Format
	Alignment Alignment
}

// Symbol is one replicated character.
//
// Alignment only matters for line heads (newlines and the leading
// sentinel): it is the alignment of the line that starts after the symbol.
type Symbol struct {
	ID        Identifier
	Value     rune
	Format    Format
	Alignment Alignment
}

// Newline reports whether the symbol ends a line.
func (s Symbol) Newline() bool { return s.Value == '\n' }
