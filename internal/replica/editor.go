// Package replica keeps a local copy of a shared document in step with the
// server.
//
// The Editor owns the crdt.Document on a single goroutine. Edits made on the
// local surface go through Local, which is the only path that produces
// outgoing frames. Frames received from the server go through Remote, which
// merges them and reports what to render but has no way to send.
package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"collabtext/internal/crdt"
	"collabtext/internal/wire"
)

var ErrStopped = errors.New("replica: editor stopped")

// Sender delivers an outgoing frame to the server.
type Sender func(ctx context.Context, f *wire.Frame) error

// Edit is a change made on the local editing surface, in editor
// coordinates.
type Edit interface {
	apply(d *crdt.Document) (crdt.Operation, error)
}

// InsertText inserts Text at (Line, Index). A single character becomes an
// insert, anything longer a paste.
type InsertText struct {
	Line, Index int
	Text        string
	Attrs       crdt.Attrs
}

func (e InsertText) apply(d *crdt.Document) (crdt.Operation, error) {
	runes := []rune(e.Text)
	switch len(runes) {
	case 0:
		return nil, errors.New("insert: empty text")
	case 1:
		return d.LocalInsert(e.Line, e.Index, runes[0], e.Attrs)
	}
	return d.LocalInsertGroup(e.Line, e.Index, e.Text, e.Attrs)
}

// EraseText removes Length characters starting at (Line, Index).
type EraseText struct {
	Line, Index, Length int
}

func (e EraseText) apply(d *crdt.Document) (crdt.Operation, error) {
	if e.Length <= 0 {
		return nil, errors.New("erase: empty range")
	}
	return d.LocalErase(e.Line, e.Index, e.Length)
}

// FormatText sets the format of Length characters starting at
// (Line, Index).
type FormatText struct {
	Line, Index, Length int
	Format              crdt.Format
}

func (e FormatText) apply(d *crdt.Document) (crdt.Operation, error) {
	if e.Length <= 0 {
		return nil, errors.New("format: empty range")
	}
	return d.LocalChange(e.Line, e.Index, e.Length, e.Format)
}

// AlignLine sets the alignment of Line.
type AlignLine struct {
	Line      int
	Alignment crdt.Alignment
}

func (e AlignLine) apply(d *crdt.Document) (crdt.Operation, error) {
	if !e.Alignment.Valid() {
		return nil, fmt.Errorf("align: invalid alignment %d", e.Alignment)
	}
	return d.LocalChangeAlignment(e.Line, e.Alignment)
}

// Change is what observers hear after the document moved. Local changes
// carry the edit and the origin that made it; remote ones carry the renders
// the merge produced. A reset replaces the whole document with State.
type Change struct {
	Origin  string
	Edit    Edit
	Renders []crdt.Render
	Reset   *State
}

// State is a copy of the document content.
type State struct {
	Symbols    []crdt.Symbol
	Alignments []crdt.Alignment
}

// Text returns the characters of the state.
func (s State) Text() string {
	out := make([]rune, len(s.Symbols))
	for i, sym := range s.Symbols {
		out[i] = sym.Value
	}
	return string(out)
}

type localEdit struct {
	origin string
	edit   Edit
	done   chan error
}

type Editor struct {
	doc    *crdt.Document
	send   Sender
	notify func(Change)
	log    *slog.Logger

	local  chan localEdit
	remote chan crdt.Operation
	calls  chan func()
	done   chan struct{}
}

// NewEditor returns an editor allocating identifiers for site. notify, if
// not nil, runs on the editor goroutine after every change.
func NewEditor(site crdt.Site, notify func(Change), log *slog.Logger) *Editor {
	if notify == nil {
		notify = func(Change) {}
	}
	return &Editor{
		doc:    crdt.NewDocument(site),
		notify: notify,
		log:    log.With("component", "editor", "site", uint32(site)),
		local:  make(chan localEdit),
		remote: make(chan crdt.Operation, 256),
		calls:  make(chan func()),
		done:   make(chan struct{}),
	}
}

// Run applies edits one at a time until ctx is done.
func (e *Editor) Run(ctx context.Context) error {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case le := <-e.local:
			le.done <- e.applyLocal(ctx, le.origin, le.edit)
		case op := <-e.remote:
			e.applyRemote(op)
		case fn := <-e.calls:
			fn()
		}
	}
}

func (e *Editor) applyLocal(ctx context.Context, origin string, edit Edit) error {
	if e.send == nil {
		return errors.New("replica: not attached")
	}
	op, err := edit.apply(e.doc)
	if err != nil {
		return err
	}
	msgs, err := wire.EncodeOperation(op)
	if err != nil {
		return err
	}
	e.notify(Change{Origin: origin, Edit: edit})
	for _, m := range msgs {
		f, err := wire.NewFrame(m)
		if err != nil {
			return err
		}
		if err := e.send(ctx, f); err != nil {
			return fmt.Errorf("send %s: %w", m.Type, err)
		}
	}
	return nil
}

func (e *Editor) applyRemote(op crdt.Operation) {
	renders := e.doc.Merge(op)
	if len(renders) == 0 {
		return
	}
	e.notify(Change{Renders: renders})
}

// Local applies an edit made on the surface identified by origin and
// forwards it to the server.
func (e *Editor) Local(ctx context.Context, origin string, edit Edit) error {
	le := localEdit{origin: origin, edit: edit, done: make(chan error, 1)}
	select {
	case e.local <- le:
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-le.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Remote queues an operation frame received from the server. Frames that
// do not carry a valid operation are rejected without touching the
// document.
func (e *Editor) Remote(ctx context.Context, f *wire.Frame) error {
	var m wire.Operation
	if err := f.Decode(&m); err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		return err
	}
	op, err := m.Decode()
	if err != nil {
		return err
	}
	select {
	case e.remote <- op:
		return nil
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Editor) do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	call := func() {
		fn()
		close(ran)
	}
	select {
	case e.calls <- call:
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-ran
	return nil
}

// Attach replaces the document with a snapshot and routes further local
// edits to send. Remote operations still queued from an earlier connection
// are dropped.
func (e *Editor) Attach(ctx context.Context, snapshot []wire.Symbol, send Sender) error {
	syms, err := wire.ToSymbols(snapshot)
	if err != nil {
		return err
	}
	return e.do(ctx, func() {
		for len(e.remote) > 0 {
			<-e.remote
		}
		e.doc.Load(syms)
		e.send = send
		e.log.Info("document loaded", "symbols", e.doc.Len(), "lines", e.doc.Lines())
		st := e.state()
		e.notify(Change{Reset: &st})
	})
}

// Detach stops forwarding local edits; they fail until the next Attach.
func (e *Editor) Detach(ctx context.Context) error {
	return e.do(ctx, func() { e.send = nil })
}

// State copies the current content.
func (e *Editor) State(ctx context.Context) (State, error) {
	var s State
	err := e.do(ctx, func() { s = e.state() })
	return s, err
}

// Observe runs fn with the current state on the editor goroutine. Changes
// notified after fn returns are exactly those made after the state fn saw.
func (e *Editor) Observe(ctx context.Context, fn func(State)) error {
	return e.do(ctx, func() { fn(e.state()) })
}

// state must run on the editor goroutine, as notify callbacks do.
func (e *Editor) state() State {
	s := State{Symbols: e.doc.Symbols()}
	s.Alignments = make([]crdt.Alignment, e.doc.Lines())
	for i := range s.Alignments {
		s.Alignments[i] = e.doc.Alignment(i)
	}
	return s
}

// Snapshot returns the content in wire form, line 0 head included.
func (e *Editor) Snapshot(ctx context.Context) ([]wire.Symbol, error) {
	var out []wire.Symbol
	err := e.do(ctx, func() { out = wire.FromDocument(e.doc) })
	return out, err
}
