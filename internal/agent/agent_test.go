package agent

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/config"
	"collabtext/internal/crdt"
	"collabtext/internal/logger"
	"collabtext/internal/registry"
	"collabtext/internal/replica"
	"collabtext/internal/server"
	"collabtext/internal/store"
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

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Agent.Username = "ann"
	cfg.Agent.Password = "secret"
	cfg.Agent.File = "notes,ann"
	return cfg
}

type tab struct {
	t    *testing.T
	conn *websocket.Conn
	id   string
}

func openTab(t *testing.T, url string) (*tab, Message) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	tb := &tab{t: t, conn: conn}
	reset := tb.read()
	require.Equal(t, ActionReset, reset.Action)
	tb.id = reset.ClientID
	return tb, reset
}

func (tb *tab) read() Message {
	tb.t.Helper()
	_ = tb.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var m Message
	require.NoError(tb.t, tb.conn.ReadJSON(&m))
	return m
}

func TestTabsShareEdits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := New(testConfig(), logger.Discard())
	go a.hub.run(ctx)
	go func() { _ = a.editor.Run(ctx) }()
	var out outbox
	require.NoError(t, a.editor.Attach(ctx, nil, out.send))

	hs := httptest.NewServer(a.Router(ctx))
	defer hs.Close()

	tabA, reset := openTab(t, hs.URL)
	assert.Empty(t, reset.Chars)
	assert.Equal(t, []crdt.Alignment{crdt.AlignLeft}, reset.Alignments)
	tabB, _ := openTab(t, hs.URL)
	require.NotEqual(t, tabA.id, tabB.id)

	require.NoError(t, tabA.conn.WriteJSON(Message{Action: ActionInsert, Text: "hi"}))
	echo := tabB.read()
	assert.Equal(t, ActionInsert, echo.Action)
	assert.Equal(t, "hi", echo.Text)
	assert.Equal(t, tabA.id, echo.ClientID)
	require.Eventually(t, func() bool { return out.len() == 1 }, 5*time.Second, 10*time.Millisecond)

	// a remote edit reaches every tab and is not sent back to the server
	doc := crdt.NewDocument(9)
	ins, err := doc.LocalInsert(0, 0, 'X', crdt.Attrs{})
	require.NoError(t, err)
	msgs, err := wire.EncodeOperation(ins)
	require.NoError(t, err)
	require.NoError(t, a.editor.Remote(ctx, wire.MustFrame(msgs[0])))
	for _, tb := range []*tab{tabA, tabB} {
		m := tb.read()
		assert.Equal(t, ActionInsert, m.Action, "tab A never sees its own edit")
		assert.Equal(t, "X", m.Text)
		assert.Empty(t, m.ClientID)
	}
	assert.Equal(t, 1, out.len())

	require.NoError(t, tabA.conn.WriteJSON(Message{Action: ActionErase, Line: 3, Index: 0, Length: 1}))
	m := tabA.read()
	assert.Equal(t, ActionError, m.Action)
	assert.NotEmpty(t, m.Reason)

	// a late tab starts from the merged content
	_, reset = openTab(t, hs.URL)
	require.Len(t, reset.Chars, 3)
	st, err := a.editor.State(ctx)
	require.NoError(t, err)
	var got strings.Builder
	for _, c := range reset.Chars {
		got.WriteString(c.Value)
	}
	assert.Equal(t, st.Text(), got.String())
}

func TestAgentSyncsWithServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := store.NewMemory()
	for _, u := range []string{"ann", "bob"} {
		require.NoError(t, st.Signup(ctx, u, "secret", u))
	}
	link, err := st.CreateFile(ctx, store.FileKey{Name: "notes", Owner: "ann"})
	require.NoError(t, err)
	_, err = st.ResolveSharedLink(ctx, link, "bob")
	require.NoError(t, err)
	srv := server.New(config.ServerConfig{Workers: 2}, st, registry.New(st, nil, logger.Discard()), logger.Discard())
	srv.Start(ctx)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ctx, ln) }()

	cfg := testConfig()
	cfg.Agent.ServerAddr = ln.Addr().String()
	a := New(cfg, logger.Discard())
	go func() { _ = a.Run(ctx) }()

	// local edits fail until the replica is attached
	require.Eventually(t, func() bool {
		return a.editor.Local(ctx, "", replica.InsertText{Text: "a"}) == nil
	}, 5*time.Second, 20*time.Millisecond)

	bob, err := replica.Connect(ctx, replica.Options{
		Addr:     ln.Addr().String(),
		Username: "bob",
		Password: "secret",
		File:     "notes,ann",
	}, logger.Discard())
	require.NoError(t, err)
	defer bob.Close()
	ed := replica.NewEditor(crdt.SiteFor("bob"), nil, logger.Discard())
	go func() { _ = ed.Run(ctx) }()
	require.NoError(t, ed.Attach(ctx, bob.Snapshot().Symbols, bob.Send))
	go func() { _ = bob.Run(ctx, ed) }()

	text := func(e *replica.Editor) string {
		s, err := e.State(ctx)
		require.NoError(t, err)
		return s.Text()
	}
	require.Eventually(t, func() bool { return text(ed) == "a" }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, ed.Local(ctx, "", replica.InsertText{Line: 0, Index: 1, Text: "b"}))
	require.Eventually(t, func() bool { return text(a.editor) == "ab" }, 5*time.Second, 10*time.Millisecond)
}
