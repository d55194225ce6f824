package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"collabtext/internal/metrics"
	"collabtext/internal/store"
	"collabtext/internal/wire"
)

type state int

const (
	stateGuest state = iota
	stateAuthenticated
	stateFileOpen
)

func (s state) String() string {
	switch s {
	case stateGuest:
		return "guest"
	case stateAuthenticated:
		return "authenticated"
	case stateFileOpen:
		return "file_open"
	}
	return "unknown"
}

const leaveTimeout = 10 * time.Second

var errSlowPeer = errors.New("send queue full")

// Session is one connected client. Everything except the send path runs on
// the session's worker.
type Session struct {
	id     string
	srv    *Server
	conn   Conn
	worker *worker
	log    *slog.Logger

	out          chan outgoing
	done         chan struct{}
	closeOnce    sync.Once
	teardownOnce sync.Once

	state state
	file  store.FileKey

	mu       sync.Mutex
	username string
	nickname string
	avatar   []byte
}

func newSession(srv *Server, conn Conn, w *worker) *Session {
	id := uuid.NewString()
	return &Session{
		id:     id,
		srv:    srv,
		conn:   conn,
		worker: w,
		log:    srv.log.With("session", id, "remote", conn.RemoteAddr(), "worker", w.id),
		out:    make(chan outgoing, srv.cfg.SendQueue),
		done:   make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) User() wire.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wire.User{Username: s.username, Nickname: s.nickname}
}

func (s *Session) Avatar() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.avatar
}

func (s *Session) setUser(username, nickname string, avatar []byte) {
	s.mu.Lock()
	s.username, s.nickname, s.avatar = username, nickname, avatar
	s.mu.Unlock()
}

// outgoing is one send queue entry: a frame, or a file snapshot that the
// writer splits into batches when it reaches it. A snapshot takes a single
// slot however many batches it spans.
type outgoing struct {
	frame *wire.Frame
	snap  *wire.Snapshot
}

// Send queues a broadcast frame. A peer whose queue is full is too slow to
// keep up and is disconnected.
func (s *Session) Send(f *wire.Frame) {
	s.push(outgoing{frame: f})
}

// push queues o without blocking and reports whether it was queued.
func (s *Session) push(o outgoing) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- o:
		return true
	default:
		metrics.RecordSlowPeer()
		s.log.Warn("send queue full, disconnecting slow peer")
		s.close()
		return false
	}
}

// reply queues a frame addressed to this session, waiting for room.
func (s *Session) reply(f *wire.Frame) {
	select {
	case s.out <- outgoing{frame: f}:
	case <-s.done:
	}
}

// stream queues snap behind everything already queued without blocking;
// join calls it under the file lock.
func (s *Session) stream(snap wire.Snapshot) error {
	if !s.push(outgoing{snap: &snap}) {
		return errSlowPeer
	}
	return nil
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *Session) writeLoop() {
	for {
		select {
		case o := <-s.out:
			if err := s.write(o); err != nil {
				s.log.Debug("write failed", "err", err)
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) write(o outgoing) error {
	if o.snap == nil {
		return s.conn.WriteFrame(o.frame)
	}
	frames, err := o.snap.Frames(s.srv.cfg.SnapshotBatchBytes)
	if err != nil {
		return err
	}
	metrics.RecordSnapshotBatches(len(frames))
	for _, f := range frames {
		if err := s.conn.WriteFrame(f); err != nil {
			return err
		}
	}
	return nil
}

func recoverable(err error) bool {
	return errors.Is(err, wire.ErrMalformed) || errors.Is(err, wire.ErrMissingType)
}

// run reads frames until the connection ends, then tears the session down
// after every frame already read has been handled.
func (s *Session) run(ctx context.Context) {
	go s.writeLoop()
	for {
		f, err := s.conn.ReadFrame()
		if err != nil && !recoverable(err) {
			s.log.Debug("connection closed", "err", err)
			break
		}
		if !s.worker.submit(ctx, func() { s.handle(ctx, f, err) }) {
			break
		}
	}

	finished := make(chan struct{})
	if s.worker.submit(ctx, func() { s.teardown(ctx); close(finished) }) {
		select {
		case <-finished:
			return
		case <-ctx.Done():
		}
	}
	s.teardown(ctx)
}

func (s *Session) teardown(ctx context.Context) {
	s.teardownOnce.Do(func() {
		if s.state == stateFileOpen {
			leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaveTimeout)
			if err := s.srv.reg.Leave(leaveCtx, s.file, s, s.disconnection()); err != nil {
				s.log.Warn("leave on disconnect", "file", s.file.String(), "err", err)
			}
			cancel()
			s.state = stateAuthenticated
		}
		s.srv.release(s)
		s.srv.pool.Release(s.worker)
		s.close()
		metrics.SessionClosed()
		s.log.Info("session closed")
	})
}

func (s *Session) disconnection() *wire.Frame {
	u := s.User()
	return wire.MustFrame(wire.Disconnection{
		Type:     wire.TypeDisconnection,
		Filename: s.file.String(),
		User:     u.Username,
		Nickname: u.Nickname,
	})
}
