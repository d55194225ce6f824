package replica

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/crdt"
	"collabtext/internal/logger"
	"collabtext/internal/wire"
)

type outbox struct {
	mu     sync.Mutex
	frames []*wire.Frame
}

func (o *outbox) send(_ context.Context, f *wire.Frame) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames = append(o.frames, f)
	return nil
}

func (o *outbox) types() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.frames))
	for i, f := range o.frames {
		out[i] = f.Type
	}
	return out
}

func startEditor(t *testing.T, site crdt.Site) (*Editor, chan Change) {
	t.Helper()
	changes := make(chan Change, 64)
	ed := NewEditor(site, func(c Change) { changes <- c }, logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ed.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ed, changes
}

func TestLocalEditsAreSentRemoteOnesAreNot(t *testing.T) {
	ctx := context.Background()
	ed, changes := startEditor(t, 1)
	var out outbox
	require.NoError(t, ed.Attach(ctx, nil, out.send))
	reset := <-changes
	require.NotNil(t, reset.Reset)
	assert.Empty(t, reset.Reset.Symbols)

	require.NoError(t, ed.Local(ctx, "tab-1", InsertText{Text: "ab"}))
	local := <-changes
	assert.Equal(t, "tab-1", local.Origin)
	assert.Equal(t, InsertText{Text: "ab"}, local.Edit)
	assert.Equal(t, []string{wire.TypePaste}, out.types())

	// an edit from another site merges and renders without being sent back
	other := crdt.NewDocument(2)
	ins, err := other.LocalInsert(0, 0, 'X', crdt.Attrs{})
	require.NoError(t, err)
	msgs, err := wire.EncodeOperation(ins)
	require.NoError(t, err)
	require.NoError(t, ed.Remote(ctx, wire.MustFrame(msgs[0])))
	remote := <-changes
	require.Len(t, remote.Renders, 1)
	assert.Equal(t, crdt.RenderInsert, remote.Renders[0].Kind)
	assert.Equal(t, 'X', remote.Renders[0].Symbol.Value)
	assert.Empty(t, remote.Origin)

	st, err := ed.State(ctx)
	require.NoError(t, err)
	assert.Len(t, st.Symbols, 3)
	assert.Equal(t, []string{wire.TypePaste}, out.types())

	// replaying the same insert is a no-op and renders nothing
	require.NoError(t, ed.Remote(ctx, wire.MustFrame(msgs[0])))
	st, err = ed.State(ctx)
	require.NoError(t, err)
	assert.Len(t, st.Symbols, 3)
	assert.Empty(t, changes)
}

func TestLocalEdits(t *testing.T) {
	ctx := context.Background()
	ed, _ := startEditor(t, 1)
	var out outbox
	require.NoError(t, ed.Attach(ctx, nil, out.send))

	bold := crdt.Format{Font: crdt.Font{Family: "Sans", PointSize: 11, Weight: 75}, Color: crdt.Color{R: 255}}
	require.NoError(t, ed.Local(ctx, "", InsertText{Text: "hello\nworld"}))
	require.NoError(t, ed.Local(ctx, "", InsertText{Line: 1, Index: 5, Text: "!"}))
	require.NoError(t, ed.Local(ctx, "", FormatText{Line: 0, Index: 0, Length: 2, Format: bold}))
	require.NoError(t, ed.Local(ctx, "", AlignLine{Line: 1, Alignment: crdt.AlignRight}))
	require.NoError(t, ed.Local(ctx, "", EraseText{Line: 0, Index: 4, Length: 1}))

	st, err := ed.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hell\nworld!", st.Text())
	assert.Equal(t, []crdt.Alignment{crdt.AlignLeft, crdt.AlignRight}, st.Alignments)
	assert.Equal(t, bold, st.Symbols[1].Format)
	assert.Equal(t, []string{
		wire.TypePaste, wire.TypeInsert, wire.TypeChange, wire.TypeChange, wire.TypeAlign, wire.TypeErase,
	}, out.types())

	t.Run("invalid edits send nothing", func(t *testing.T) {
		before := len(out.types())
		assert.Error(t, ed.Local(ctx, "", InsertText{}))
		assert.Error(t, ed.Local(ctx, "", EraseText{Line: 0, Index: 0, Length: 0}))
		assert.ErrorIs(t, ed.Local(ctx, "", EraseText{Line: 5, Index: 0, Length: 1}), crdt.ErrOutOfRange)
		assert.Error(t, ed.Local(ctx, "", AlignLine{Line: 0, Alignment: 9}))
		assert.Len(t, out.types(), before)
	})

	t.Run("detached editor refuses local edits", func(t *testing.T) {
		require.NoError(t, ed.Detach(ctx))
		assert.Error(t, ed.Local(ctx, "", InsertText{Text: "x"}))
		st, err := ed.State(ctx)
		require.NoError(t, err)
		assert.Equal(t, "hell\nworld!", st.Text())
	})
}

func TestAttachLoadsSnapshot(t *testing.T) {
	ctx := context.Background()
	ed, changes := startEditor(t, 1)

	src := crdt.NewDocument(7)
	_, err := src.LocalInsertGroup(0, 0, "a\nb", crdt.Attrs{})
	require.NoError(t, err)
	_, err = src.LocalChangeAlignment(0, crdt.AlignCenter)
	require.NoError(t, err)

	require.NoError(t, ed.Attach(ctx, wire.FromDocument(src), (&outbox{}).send))
	reset := <-changes
	require.NotNil(t, reset.Reset)
	assert.Equal(t, "a\nb", reset.Reset.Text())
	assert.Equal(t, []crdt.Alignment{crdt.AlignCenter, crdt.AlignLeft}, reset.Reset.Alignments)

	snap, err := ed.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, wire.FromDocument(src), snap)
}

func TestRemoteRejectsMalformedOperations(t *testing.T) {
	ctx := context.Background()
	ed, _ := startEditor(t, 1)
	require.NoError(t, ed.Attach(ctx, nil, (&outbox{}).send))

	assert.Error(t, ed.Remote(ctx, wire.MustFrame(wire.Operation{Type: wire.TypeErase})))
	assert.Error(t, ed.Remote(ctx, wire.MustFrame(wire.Operation{Type: wire.TypeInsert, Symbol: &wire.Symbol{}})))
	st, err := ed.State(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Symbols)
}

func TestStoppedEditor(t *testing.T) {
	ed := NewEditor(1, nil, logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, ed.Run(ctx))
	assert.ErrorIs(t, ed.Local(context.Background(), "", InsertText{Text: "x"}), ErrStopped)
	_, err := ed.State(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}
