package server

import (
	"context"
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/config"
	"collabtext/internal/crdt"
	"collabtext/internal/logger"
	"collabtext/internal/registry"
	"collabtext/internal/store"
	"collabtext/internal/wire"
)

type testServer struct {
	*Server
	store store.Store
	ctx   context.Context
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := store.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for _, u := range []string{"ann", "bob"} {
		require.NoError(t, st.Signup(ctx, u, "secret", strings.ToUpper(u)))
	}
	reg := registry.New(st, nil, logger.Discard())
	srv := New(config.ServerConfig{Workers: 2}, st, reg, logger.Discard())
	srv.Start(ctx)
	return &testServer{Server: srv, store: st, ctx: ctx}
}

type client struct {
	t    *testing.T
	conn net.Conn
	r    *wire.Reader
}

func (ts *testServer) dial(t *testing.T) *client {
	t.Helper()
	a, b := net.Pipe()
	go ts.ServeConn(ts.ctx, NewStreamConn(a, ts.limits))
	t.Cleanup(func() { b.Close() })
	return &client{t: t, conn: b, r: wire.NewReader(b, wire.Limits{})}
}

func (c *client) send(v any, blobs ...[]byte) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := wire.MustFrame(v, blobs...).WriteTo(c.conn)
	require.NoError(c.t, err)
}

func (c *client) recv() *wire.Frame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	f, err := c.r.ReadFrame()
	require.NoError(c.t, err)
	return f
}

// expect reads the next frame, checks its type and decodes it into v.
func (c *client) expect(typ string, v any) *wire.Frame {
	c.t.Helper()
	f := c.recv()
	require.Equal(c.t, typ, f.Type, string(f.JSON))
	if v != nil {
		require.NoError(c.t, f.Decode(v))
	}
	return f
}

func (c *client) login(user string) wire.LoginResponse {
	c.t.Helper()
	c.send(wire.Credentials{Type: wire.TypeLogin, Username: user, Password: "secret"})
	var resp wire.LoginResponse
	c.expect(wire.TypeLogin, &resp)
	require.True(c.t, resp.Success, resp.Reason)
	return resp
}

func insert(level uint32, r rune) wire.Operation {
	s := wire.FromSymbol(crdt.Symbol{ID: crdt.Identifier{{Level: level, Site: 1}}, Value: r})
	return wire.Operation{Type: wire.TypeInsert, Symbol: &s}
}

func TestLogin(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.store.SetAvatar(ts.ctx, "ann", []byte("png")))
	c := ts.dial(t)

	var resp wire.Response
	c.send(map[string]any{"type": wire.TypeListFiles, "username": "ann"})
	c.expect(wire.TypeListFiles, &resp)
	assert.Equal(t, reasonNotLoggedIn, resp.Reason)

	c.send(map[string]any{"type": wire.TypeLogin, "username": 42, "password": "secret"})
	c.expect(wire.TypeLogin, &resp)
	assert.False(t, resp.Success)
	assert.Equal(t, "Wrong username format", resp.Reason)

	c.send(wire.Credentials{Type: wire.TypeLogin, Username: "   ", Password: "secret"})
	c.expect(wire.TypeLogin, &resp)
	assert.Equal(t, "Empty username", resp.Reason)

	c.send(wire.Credentials{Type: wire.TypeLogin, Username: "ann", Password: "nope"})
	c.expect(wire.TypeLogin, &resp)
	assert.Equal(t, reasonInvalidLogin, resp.Reason)

	c.send(wire.Credentials{Type: wire.TypeLogin, Username: "  ann ", Password: "secret"})
	var ok wire.LoginResponse
	f := c.expect(wire.TypeLogin, &ok)
	assert.True(t, ok.Success)
	assert.Equal(t, "ann", ok.Username)
	assert.Equal(t, "ANN", ok.Nickname)
	assert.Equal(t, []byte("png"), f.Blob(0))

	other := ts.dial(t)
	other.send(wire.Credentials{Type: wire.TypeLogin, Username: "ann", Password: "secret"})
	other.expect(wire.TypeLogin, &resp)
	assert.Equal(t, reasonOnline, resp.Reason)

	c.send(wire.Credentials{Type: wire.TypeLogin, Username: "ann", Password: "secret"})
	c.expect(wire.TypeLogin, &resp)
	assert.Equal(t, reasonLoggedIn, resp.Reason)

	// the name is free again once the session ends
	c.conn.Close()
	require.Eventually(t, func() bool { return !ts.online("ann") }, 5*time.Second, 10*time.Millisecond)
	other.login("ann")
}

func TestAccountRequests(t *testing.T) {
	ts := newTestServer(t)
	guest := ts.dial(t)

	var user wire.UserResponse
	guest.send(wire.UserRequest{Type: wire.TypeCheckUsername, Username: "ann"})
	guest.expect(wire.TypeCheckUsername, &user)
	assert.False(t, user.Success)
	assert.Equal(t, reasonUserExists, user.Reason)

	var resp wire.Response
	guest.send(wire.Credentials{Type: wire.TypeSignup, Username: "carl", Password: "pw", Nickname: "Carl"}, []byte("img"))
	guest.expect(wire.TypeSignup, &resp)
	assert.True(t, resp.Success, resp.Reason)
	img, err := ts.store.Avatar(ts.ctx, "carl")
	require.NoError(t, err)
	assert.Equal(t, []byte("img"), img)

	guest.send(wire.Credentials{Type: wire.TypeSignup, Username: "a,b", Password: "pw"})
	guest.expect(wire.TypeSignup, &resp)
	assert.Equal(t, "Wrong username format", resp.Reason)

	c := ts.dial(t)
	c.login("bob")
	c.send(wire.NicknameRequest{Type: wire.TypeNickname, Username: "ann", Nickname: "x"})
	c.expect(wire.TypeNickname, &resp)
	assert.Equal(t, reasonDenied, resp.Reason)
	c.send(wire.NicknameRequest{Type: wire.TypeNickname, Username: "bob", Nickname: "Bobby"})
	c.expect(wire.TypeNickname, &resp)
	assert.True(t, resp.Success)
	nick, err := ts.store.Login(ts.ctx, "bob", "secret")
	require.NoError(t, err)
	assert.Equal(t, "Bobby", nick)

	c.send(wire.CheckPasswordRequest{Type: wire.TypeCheckPassword, Username: "bob", OldPassword: "bad"})
	c.expect(wire.TypePasswordResult, &resp)
	assert.Equal(t, reasonWrongPassword, resp.Reason)
	c.send(wire.PasswordRequest{Type: wire.TypePassword, Username: "bob", OldPassword: "secret", NewPassword: "better"})
	c.expect(wire.TypePassword, &resp)
	assert.True(t, resp.Success, resp.Reason)
	assert.NoError(t, ts.store.CheckPassword(ts.ctx, "bob", "better"))

	var files wire.ListFilesResponse
	c.send(wire.UserRequest{Type: wire.TypeListFiles, Username: "bob"})
	c.expect(wire.TypeListFiles, &files)
	assert.Equal(t, reasonNoFiles, files.Reason)

	c.send(map[string]any{"type": "dance"})
	c.expect("dance", &resp)
	assert.Equal(t, reasonUnknown, resp.Reason)
}

func TestFileSession(t *testing.T) {
	ts := newTestServer(t)
	ann, bob := ts.dial(t), ts.dial(t)
	ann.login("ann")
	bob.login("bob")

	var created wire.NewFileResponse
	ann.send(wire.NewFileRequest{Type: wire.TypeNewFile, Author: "ann", Filename: "notes"})
	ann.expect(wire.TypeNewFile, &created)
	require.True(t, created.Success, created.Reason)
	assert.Equal(t, "notes,ann", created.Filename)
	require.NotEmpty(t, created.SharedLink)

	var resp wire.Response
	ann.send(wire.NewFileRequest{Type: wire.TypeNewFile, Author: "ann", Filename: "other"})
	ann.expect(wire.TypeNewFile, &resp)
	assert.Equal(t, reasonFileOpen, resp.Reason)

	ann.send(insert(10, 'h'))
	// a reply on ann's connection means the edit before it was applied
	var files wire.ListFilesResponse
	ann.send(wire.UserRequest{Type: wire.TypeListFiles, Username: "ann"})
	ann.expect(wire.TypeListFiles, &files)
	assert.Equal(t, []wire.FileEntry{{Name: "notes", Owner: "ann"}}, files.Files)

	bob.send(wire.OpenFileRequest{Type: wire.TypeOpenFile, Filename: "notes,ann"})
	bob.expect(wire.TypeOpenFile, &resp)
	assert.Equal(t, reasonNoFile, resp.Reason, "not shared with bob yet")

	var link wire.SharedLinkResponse
	bob.send(wire.SharedLinkRequest{Type: wire.TypeSharedLink, SharedLink: created.SharedLink})
	bob.expect(wire.TypeSharedLink, &link)
	require.True(t, link.Success, link.Reason)
	assert.Equal(t, "notes,ann", link.Filename)

	var batch wire.FileBatch
	bob.send(wire.OpenFileRequest{Type: wire.TypeOpenFile, Filename: link.Filename})
	bob.expect(wire.TypeOpenFile, &batch)
	require.True(t, batch.Success, batch.Reason)
	assert.True(t, batch.Last)
	assert.Equal(t, 1, batch.TotSymbols)
	require.Len(t, batch.Content, 1)
	assert.Equal(t, "h", batch.Content[0].Value)
	assert.Equal(t, []wire.User{{Username: "ann", Nickname: "ANN"}}, batch.Users)
	assert.Equal(t, created.SharedLink, batch.SharedLink)

	var conn wire.Connection
	ann.expect(wire.TypeConnection, &conn)
	assert.Equal(t, "bob", conn.Username)
	assert.Equal(t, "notes,ann", conn.Filename)

	erase := wire.Operation{Type: wire.TypeErase, Symbols: []wire.Symbol{wire.Ref(crdt.Identifier{{Level: 10, Site: 1}})}}
	bob.send(erase)
	var got wire.Operation
	ann.expect(wire.TypeErase, &got)
	require.Len(t, got.Symbols, 1)

	bob.send(wire.Operation{Type: wire.TypeInsert})
	bob.expect(wire.TypeInsert, &resp)
	assert.Equal(t, reasonBadOperation, resp.Reason, "the sender only hears about its own edits when they are rejected")

	ann.send(wire.CloseRequest{Type: wire.TypeClose, Filename: "notes,ann", Username: "ann", Nickname: "ANN"})
	ann.expect(wire.TypeClose, &resp)
	assert.True(t, resp.Success, resp.Reason)
	var bye wire.Disconnection
	bob.expect(wire.TypeDisconnection, &bye)
	assert.Equal(t, "ann", bye.User)

	ann.send(wire.CloseRequest{Type: wire.TypeClose, Filename: "notes,ann", Username: "ann", Nickname: "ANN"})
	ann.expect(wire.TypeClose, &resp)
	assert.Equal(t, reasonNoFile, resp.Reason)
	ann.send(insert(20, 'x'))
	ann.expect(wire.TypeInsert, &resp)
	assert.Equal(t, reasonNoFileOpen, resp.Reason)

	// bob leaving last flushes the file
	bob.conn.Close()
	require.Eventually(t, func() bool { return len(ts.reg.OpenFiles()) == 0 }, 5*time.Second, 10*time.Millisecond)
	data, err := ts.store.LoadFile(ts.ctx, store.FileKey{Name: "notes", Owner: "ann"})
	require.NoError(t, err)
	syms, err := wire.DecodeSnapshot(data)
	require.NoError(t, err)
	assert.Empty(t, syms)
}

// share creates notes,ann for ann and resolves its link for bob.
func share(t *testing.T, ann, bob *client) {
	t.Helper()
	var created wire.NewFileResponse
	ann.send(wire.NewFileRequest{Type: wire.TypeNewFile, Author: "ann", Filename: "notes"})
	ann.expect(wire.TypeNewFile, &created)
	require.True(t, created.Success, created.Reason)
	var link wire.SharedLinkResponse
	bob.send(wire.SharedLinkRequest{Type: wire.TypeSharedLink, SharedLink: created.SharedLink})
	bob.expect(wire.TypeSharedLink, &link)
	require.True(t, link.Success, link.Reason)
}

// sync waits until every frame c sent before it has been handled.
func (c *client) sync(user string) {
	c.t.Helper()
	c.send(wire.UserRequest{Type: wire.TypeListFiles, Username: user})
	c.expect(wire.TypeListFiles, nil)
}

func TestUndecodableEditsAreRejected(t *testing.T) {
	ts := newTestServer(t)
	ann, bob := ts.dial(t), ts.dial(t)
	ann.login("ann")
	bob.login("bob")
	share(t, ann, bob)

	ann.send(insert(10, 'h'))
	pos := wire.Position{{Level: 20, Site: 1}}
	font := crdt.Font{Family: "Serif", PointSize: 12}
	bad := []wire.Operation{
		{Type: wire.TypeInsert, Symbol: &wire.Symbol{Position: pos, Value: "ab"}},
		{Type: wire.TypeInsert, Symbol: &wire.Symbol{Position: pos, Value: "x", Color: "red"}},
		{Type: wire.TypePaste, Symbols: []wire.Symbol{{Position: pos, Value: "xy"}}},
		{Type: wire.TypeChange, Symbol: &wire.Symbol{Position: wire.Position{{Level: 10, Site: 1}}, Font: &font, Color: "red"}},
	}
	for _, op := range bad {
		var resp wire.Response
		ann.send(op)
		ann.expect(op.Type, &resp)
		assert.False(t, resp.Success)
		assert.Equal(t, reasonBadOperation, resp.Reason)
	}

	var batch wire.FileBatch
	bob.send(wire.OpenFileRequest{Type: wire.TypeOpenFile, Filename: "notes,ann"})
	bob.expect(wire.TypeOpenFile, &batch)
	require.True(t, batch.Success, batch.Reason)
	syms, err := wire.ToSymbols(batch.Content)
	require.NoError(t, err)
	require.Len(t, syms, 1)
	assert.Equal(t, 'h', syms[0].Value)
	assert.Equal(t, crdt.Color{}, syms[0].Format.Color)
}

func TestLateJoinerKeepsUpWithEdits(t *testing.T) {
	ts := newTestServer(t)
	ts.cfg.SendQueue = 8
	ts.cfg.SnapshotBatchBytes = 200
	ann, bob := ts.dial(t), ts.dial(t)
	ann.login("ann")
	bob.login("bob")
	share(t, ann, bob)
	for i := range 60 {
		ann.send(insert(uint32(100+i), 'a'))
	}
	ann.sync("ann")

	var batch wire.FileBatch
	bob.send(wire.OpenFileRequest{Type: wire.TypeOpenFile, Filename: "notes,ann"})
	bob.expect(wire.TypeOpenFile, &batch)
	require.True(t, batch.Success, batch.Reason)
	require.False(t, batch.Last, "the snapshot spans several batches")
	assert.Equal(t, 60, batch.TotSymbols)
	got := len(batch.Content)

	// ann edits while bob is still downloading
	ann.expect(wire.TypeConnection, nil)
	ann.send(insert(5000, 'z'))
	ann.sync("ann")

	for !batch.Last {
		batch = wire.FileBatch{}
		bob.expect(wire.TypeOpenFile, &batch)
		got += len(batch.Content)
	}
	assert.Equal(t, 60, got)
	var op wire.Operation
	bob.expect(wire.TypeInsert, &op)
	require.NotNil(t, op.Symbol)
	assert.Equal(t, "z", op.Symbol.Value)
}

func TestNewFileNameTaken(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.store.CreateFile(ts.ctx, store.FileKey{Name: "notes", Owner: "ann"})
	require.NoError(t, err)
	ann := ts.dial(t)
	ann.login("ann")

	var resp wire.Response
	ann.send(wire.NewFileRequest{Type: wire.TypeNewFile, Author: "ann", Filename: "notes"})
	ann.expect(wire.TypeNewFile, &resp)
	assert.False(t, resp.Success)
	assert.Equal(t, reasonFileExists, resp.Reason)
	assert.Empty(t, ts.reg.OpenFiles(), "nothing is loaded for a taken name")

	ann.send(wire.NewFileRequest{Type: wire.TypeNewFile, Author: "ann", Filename: "draft"})
	ann.expect(wire.TypeNewFile, &resp)
	assert.True(t, resp.Success, resp.Reason)
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t)

	var raw []byte
	raw = binary.LittleEndian.AppendUint32(raw, 3)
	raw = append(raw, "{x]"...)
	raw = binary.LittleEndian.AppendUint32(raw, 0)
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := c.conn.Write(raw)
	require.NoError(t, err)

	var resp wire.Response
	c.expect(wire.TypeError, &resp)
	assert.Equal(t, reasonJSON, resp.Reason)

	c.login("ann")
}

func TestSlowPeerIsDisconnected(t *testing.T) {
	ts := newTestServer(t)
	ts.cfg.SendQueue = 1
	a, b := net.Pipe()
	defer b.Close()
	s := newSession(ts.Server, NewStreamConn(a, ts.limits), ts.pool.Assign())

	f := wire.MustFrame(wire.OK(wire.TypeInsert))
	s.Send(f)
	select {
	case <-s.done:
		t.Fatal("one queued frame must not disconnect")
	default:
	}
	s.Send(f)
	select {
	case <-s.done:
	case <-time.After(time.Second):
		t.Fatal("a full queue must disconnect the peer")
	}
}

func TestPoolAssignsLeastLoaded(t *testing.T) {
	p := NewPool(3, 1)
	w0, w1, w2 := p.Assign(), p.Assign(), p.Assign()
	assert.Equal(t, []int{0, 1, 2}, []int{w0.id, w1.id, w2.id})
	p.Release(w1)
	assert.Equal(t, 1, p.Assign().id)
	assert.Equal(t, 0, p.Assign().id)
	assert.Equal(t, []int{2, 1, 1}, p.Loads())
}

func TestHTTP(t *testing.T) {
	ts := newTestServer(t)
	hs := httptest.NewServer(ts.Router(ts.ctx))
	defer hs.Close()

	res, err := http.Get(hs.URL + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(hs.URL + "/metrics")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(hs.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer ws.Close()
	b, err := wire.MustFrame(wire.Credentials{Type: wire.TypeLogin, Username: "bob", Password: "secret"}).MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, b))
	_, msg, err := ws.ReadMessage()
	require.NoError(t, err)
	f, err := wire.DecodeFrame(msg, wire.Limits{})
	require.NoError(t, err)
	var resp wire.LoginResponse
	require.NoError(t, f.Decode(&resp))
	assert.True(t, resp.Success, resp.Reason)
}
