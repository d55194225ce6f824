package agent

import (
	"fmt"

	"collabtext/internal/crdt"
	"collabtext/internal/replica"
	"collabtext/internal/wire"
)

// Actions exchanged with browser tabs.
const (
	ActionInsert   = "insert"
	ActionErase    = "erase"
	ActionFormat   = "format"
	ActionAlign    = "align"
	ActionReset    = "reset"
	ActionPresence = "presence"
	ActionError    = "error"
)

// Message is one websocket message between the agent and a browser tab.
// Tabs send insert, erase, format and align; the agent also sends reset,
// presence and error.
type Message struct {
	ClientID string `json:"client_id,omitempty"`
	Action   string `json:"action"`

	Line      int             `json:"line"`
	Index     int             `json:"index"`
	Length    int             `json:"length,omitempty"`
	Text      string          `json:"text,omitempty"`
	Font      *crdt.Font      `json:"font,omitempty"`
	Color     string          `json:"color,omitempty"`
	Alignment *crdt.Alignment `json:"alignment,omitempty"`

	Chars      []Char           `json:"chars,omitempty"`
	Alignments []crdt.Alignment `json:"alignments,omitempty"`

	User   *wire.User `json:"user,omitempty"`
	Joined bool       `json:"joined,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

// Char is a character of a reset.
type Char struct {
	Value string    `json:"value"`
	Font  crdt.Font `json:"font"`
	Color string    `json:"color"`
}

func (m Message) format() (crdt.Format, error) {
	var f crdt.Format
	if m.Font != nil {
		f.Font = *m.Font
	}
	if m.Color != "" {
		c, err := crdt.ParseColor(m.Color)
		if err != nil {
			return f, err
		}
		f.Color = c
	}
	return f, nil
}

// Edit converts a tab message into a local edit.
func (m Message) Edit() (replica.Edit, error) {
	switch m.Action {
	case ActionInsert:
		f, err := m.format()
		if err != nil {
			return nil, err
		}
		attrs := crdt.Attrs{Format: f}
		if m.Alignment != nil {
			attrs.Alignment = *m.Alignment
		}
		return replica.InsertText{Line: m.Line, Index: m.Index, Text: m.Text, Attrs: attrs}, nil
	case ActionErase:
		return replica.EraseText{Line: m.Line, Index: m.Index, Length: m.Length}, nil
	case ActionFormat:
		f, err := m.format()
		if err != nil {
			return nil, err
		}
		return replica.FormatText{Line: m.Line, Index: m.Index, Length: m.Length, Format: f}, nil
	case ActionAlign:
		if m.Alignment == nil {
			return nil, fmt.Errorf("align: missing alignment")
		}
		return replica.AlignLine{Line: m.Line, Alignment: *m.Alignment}, nil
	}
	return nil, fmt.Errorf("unknown action %q", m.Action)
}

// editMessage is the inverse of Message.Edit, used to echo a tab's edit to
// the other tabs.
func editMessage(origin string, e replica.Edit) Message {
	m := Message{ClientID: origin}
	switch e := e.(type) {
	case replica.InsertText:
		font, align := e.Attrs.Font, e.Attrs.Alignment
		m.Action, m.Line, m.Index, m.Text = ActionInsert, e.Line, e.Index, e.Text
		m.Font, m.Color, m.Alignment = &font, e.Attrs.Color.Hex(), &align
	case replica.EraseText:
		m.Action, m.Line, m.Index, m.Length = ActionErase, e.Line, e.Index, e.Length
	case replica.FormatText:
		font := e.Format.Font
		m.Action, m.Line, m.Index, m.Length = ActionFormat, e.Line, e.Index, e.Length
		m.Font, m.Color = &font, e.Format.Color.Hex()
	case replica.AlignLine:
		align := e.Alignment
		m.Action, m.Line, m.Alignment = ActionAlign, e.Line, &align
	}
	return m
}

func renderMessage(r crdt.Render) Message {
	m := Message{Line: r.Line, Index: r.Index}
	font, align := r.Symbol.Format.Font, r.Symbol.Alignment
	switch r.Kind {
	case crdt.RenderInsert:
		m.Action, m.Text = ActionInsert, string(r.Symbol.Value)
		m.Font, m.Color, m.Alignment = &font, r.Symbol.Format.Color.Hex(), &align
	case crdt.RenderErase:
		m.Action, m.Length = ActionErase, 1
	case crdt.RenderFormat:
		m.Action, m.Length = ActionFormat, 1
		m.Font, m.Color = &font, r.Symbol.Format.Color.Hex()
	case crdt.RenderAlign:
		align = r.Alignment
		m.Action, m.Index, m.Alignment = ActionAlign, 0, &align
	}
	return m
}

func resetMessage(st replica.State) Message {
	m := Message{Action: ActionReset, Alignments: st.Alignments}
	m.Chars = make([]Char, len(st.Symbols))
	for i, s := range st.Symbols {
		m.Chars[i] = Char{Value: string(s.Value), Font: s.Format.Font, Color: s.Format.Color.Hex()}
	}
	return m
}
