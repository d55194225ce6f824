package replica

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"

	"collabtext/internal/wire"
)

var (
	// ErrRejected wraps a login or open refused by the server.
	ErrRejected = errors.New("replica: rejected")
	ErrClosed   = errors.New("replica: connection closed")
)

// Options configure a client connection.
type Options struct {
	Addr     string
	Username string
	Password string
	// File is the key of the file to open, "name,owner".
	File string
	TLS  *tls.Config

	Limits      wire.Limits
	SendQueue   int
	DialTimeout time.Duration
	// MaxRetry bounds how long Connect keeps retrying the dial. Zero retries
	// until ctx is done.
	MaxRetry time.Duration

	// OnPresence, if set, is called from the reader goroutine when a
	// collaborator joins or leaves the file.
	OnPresence func(Presence)
}

// Presence reports a collaborator joining or leaving.
type Presence struct {
	User   wire.User
	Avatar []byte
	Joined bool
}

// Client is one authenticated connection bound to an open file.
type Client struct {
	opts Options
	conn net.Conn
	r    *wire.Reader
	log  *slog.Logger

	user wire.LoginResponse
	snap wire.Snapshot

	out       chan *wire.Frame
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	users map[string]wire.User
}

// Connect dials the server, retrying with exponential backoff, then logs in
// and opens opts.File. Rejections by the server are not retried.
func Connect(ctx context.Context, opts Options, log *slog.Logger) (*Client, error) {
	var c *Client
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = opts.MaxRetry
	attempt := func() error {
		conn, err := dial(ctx, opts)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		c = NewClient(conn, opts, log)
		if err := c.Handshake(ctx); err != nil {
			c.Close()
			if errors.Is(err, ErrRejected) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("connect failed, retrying", "addr", opts.Addr, "err", err, "wait", wait)
	}
	if err := backoff.RetryNotify(attempt, backoff.WithContext(b, ctx), notify); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		return nil, err
	}
	return c, nil
}

func dial(ctx context.Context, opts Options) (net.Conn, error) {
	d := &net.Dialer{Timeout: opts.DialTimeout}
	if opts.TLS != nil {
		td := &tls.Dialer{NetDialer: d, Config: opts.TLS}
		return td.DialContext(ctx, "tcp", opts.Addr)
	}
	return d.DialContext(ctx, "tcp", opts.Addr)
}

// NewClient wraps an established connection. Handshake must run before Run.
func NewClient(conn net.Conn, opts Options, log *slog.Logger) *Client {
	if opts.SendQueue <= 0 {
		opts.SendQueue = 256
	}
	return &Client{
		opts:  opts,
		conn:  conn,
		r:     wire.NewReader(conn, opts.Limits),
		log:   log.With("component", "client", "user", opts.Username, "file", opts.File),
		out:   make(chan *wire.Frame, opts.SendQueue),
		done:  make(chan struct{}),
		users: make(map[string]wire.User),
	}
}

// Handshake logs in and opens the file, collecting its snapshot.
func (c *Client) Handshake(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	if err := c.write(wire.MustFrame(wire.Credentials{
		Type:     wire.TypeLogin,
		Username: c.opts.Username,
		Password: c.opts.Password,
	})); err != nil {
		return err
	}
	f, err := c.expect(wire.TypeLogin)
	if err != nil {
		return err
	}
	if err := f.Decode(&c.user); err != nil {
		return err
	}
	if !c.user.Success {
		return fmt.Errorf("%w: login: %s", ErrRejected, c.user.Reason)
	}

	if err := c.write(wire.MustFrame(wire.OpenFileRequest{Type: wire.TypeOpenFile, Filename: c.opts.File})); err != nil {
		return err
	}
	var re wire.Reassembler
	for {
		f, err := c.expect(wire.TypeOpenFile)
		if err != nil {
			return err
		}
		complete, err := re.Add(f)
		if err != nil {
			var resp wire.Response
			if f.Decode(&resp) == nil && !resp.Success {
				return fmt.Errorf("%w: %s", ErrRejected, err)
			}
			return err
		}
		if complete {
			break
		}
	}
	c.snap, err = re.Snapshot()
	if err != nil {
		return err
	}
	c.mu.Lock()
	for _, u := range c.snap.Users {
		c.users[u.Username] = u
	}
	c.mu.Unlock()
	c.log.Info("file opened", "symbols", len(c.snap.Symbols), "users", len(c.snap.Users))
	return nil
}

func (c *Client) write(f *wire.Frame) error {
	if _, err := f.WriteTo(c.conn); err != nil {
		return fmt.Errorf("write %s: %w", f.Type, err)
	}
	return nil
}

// expect reads frames until one of type typ arrives. Anything else is
// logged and skipped.
func (c *Client) expect(typ string) (*wire.Frame, error) {
	for {
		f, err := c.r.ReadFrame()
		if err != nil {
			if errors.Is(err, wire.ErrMalformed) {
				continue
			}
			return nil, fmt.Errorf("await %s: %w", typ, err)
		}
		if f.Type == typ {
			return f, nil
		}
		c.log.Debug("skipping frame", "type", f.Type, "want", typ)
	}
}

// Snapshot returns the file content received by Handshake.
func (c *Client) Snapshot() wire.Snapshot { return c.snap }

// User returns the logged in user.
func (c *Client) User() wire.User {
	return wire.User{Username: c.user.Username, Nickname: c.user.Nickname}
}

// Users returns the collaborators currently on the file.
func (c *Client) Users() []wire.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.User, 0, len(c.users))
	for _, u := range c.users {
		out = append(out, u)
	}
	return out
}

// Send queues f for the server. It is the Sender handed to an Editor.
func (c *Client) Send(ctx context.Context, f *wire.Frame) error {
	select {
	case c.out <- f:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run streams frames in both directions until the connection ends or ctx
// is done: queued frames go to the server, operations from the server go to
// ed.Remote.
func (c *Client) Run(ctx context.Context, ed *Editor) error {
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, c.Close)
	defer stop()

	g.Go(func() error {
		w := bufio.NewWriter(c.conn)
		for {
			select {
			case f := <-c.out:
				if _, err := f.WriteTo(w); err != nil {
					return fmt.Errorf("write: %w", err)
				}
				if len(c.out) == 0 {
					if err := w.Flush(); err != nil {
						return fmt.Errorf("write: %w", err)
					}
				}
			case <-c.done:
				return nil
			}
		}
	})
	g.Go(func() error {
		defer c.Close()
		for {
			f, err := c.r.ReadFrame()
			switch {
			case errors.Is(err, wire.ErrMalformed), errors.Is(err, wire.ErrMissingType):
				c.log.Warn("malformed frame from server", "err", err)
				continue
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
				errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed):
				return ErrClosed
			case err != nil:
				return err
			}
			c.dispatch(gctx, ed, f)
		}
	})
	err := g.Wait()
	if ctx.Err() != nil && errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (c *Client) dispatch(ctx context.Context, ed *Editor, f *wire.Frame) {
	switch {
	case wire.IsOperation(f.Type):
		if err := ed.Remote(ctx, f); err != nil {
			c.log.Warn("dropping operation", "type", f.Type, "err", err)
		}
	case f.Type == wire.TypeConnection:
		var m wire.Connection
		if err := f.Decode(&m); err != nil {
			c.log.Warn("bad connection notice", "err", err)
			return
		}
		u := wire.User{Username: m.Username, Nickname: m.Nickname}
		c.presence(Presence{User: u, Avatar: f.Blob(0), Joined: true})
	case f.Type == wire.TypeDisconnection:
		var m wire.Disconnection
		if err := f.Decode(&m); err != nil {
			c.log.Warn("bad disconnection notice", "err", err)
			return
		}
		c.presence(Presence{User: wire.User{Username: m.User, Nickname: m.Nickname}})
	default:
		var resp wire.Response
		if err := f.Decode(&resp); err == nil && !resp.Success {
			c.log.Warn("request failed", "type", f.Type, "reason", resp.Reason)
			return
		}
		c.log.Debug("ignoring frame", "type", f.Type)
	}
}

func (c *Client) presence(p Presence) {
	c.mu.Lock()
	if p.Joined {
		c.users[p.User.Username] = p.User
	} else {
		delete(c.users, p.User.Username)
	}
	c.mu.Unlock()
	if c.opts.OnPresence != nil {
		c.opts.OnPresence(p)
	}
}

// Close drops the connection; the server treats it as closing the file.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
