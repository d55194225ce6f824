// Package server accepts client connections, runs each session's state
// machine on a worker pool and routes edits through the file registry.
package server

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"collabtext/internal/config"
	"collabtext/internal/metrics"
	"collabtext/internal/registry"
	"collabtext/internal/store"
	"collabtext/internal/wire"
)

type Server struct {
	cfg    config.ServerConfig
	store  store.Store
	reg    *registry.Registry
	pool   *Pool
	limits wire.Limits
	log    *slog.Logger

	mu       sync.Mutex
	users    map[string]*Session
	sessions map[*Session]struct{}
}

// New builds a server. Zero limits in cfg take the defaults of
// config.Default.
func New(cfg config.ServerConfig, st store.Store, reg *registry.Registry, log *slog.Logger) *Server {
	def := config.Default().Server
	cfg.Workers = cmp.Or(cfg.Workers, def.Workers)
	cfg.MaxFrameBytes = cmp.Or(cfg.MaxFrameBytes, def.MaxFrameBytes)
	cfg.MaxBlobBytes = cmp.Or(cfg.MaxBlobBytes, def.MaxBlobBytes)
	cfg.SnapshotBatchBytes = cmp.Or(cfg.SnapshotBatchBytes, def.SnapshotBatchBytes)
	cfg.SendQueue = cmp.Or(cfg.SendQueue, def.SendQueue)
	return &Server{
		cfg:   cfg,
		store: st,
		reg:   reg,
		pool:  NewPool(cfg.Workers, cfg.SendQueue),
		limits: wire.Limits{
			MaxJSON: cfg.MaxFrameBytes,
			MaxBlob: cfg.MaxBlobBytes,
		},
		log:      log.With("component", "server"),
		users:    make(map[string]*Session),
		sessions: make(map[*Session]struct{}),
	}
}

// Start runs the worker pool until ctx is done.
func (s *Server) Start(ctx context.Context) {
	s.pool.Start(ctx)
	s.log.Info("worker pool started", "workers", len(s.pool.workers))
}

// Serve accepts stream connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	s.log.Info("listening", "addr", ln.Addr().String())
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.ServeConn(ctx, NewStreamConn(c, s.limits))
	}
}

// ServeConn runs one session on conn and returns when it ends.
func (s *Server) ServeConn(ctx context.Context, conn Conn) {
	sess := newSession(s, conn, s.pool.Assign())
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
	}()

	metrics.SessionOpened()
	sess.log.Info("session opened")
	stop := context.AfterFunc(ctx, sess.close)
	defer stop()
	sess.run(ctx)
}

func (s *Server) online(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[username]
	return ok
}

// claim records sess as username's only session.
func (s *Server) claim(username string, sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; ok {
		return false
	}
	s.users[username] = sess
	return true
}

func (s *Server) release(sess *Session) {
	u := sess.User().Username
	if u == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users[u] == sess {
		delete(s.users, u)
	}
}

// Sessions reports how many sessions are connected.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Wait blocks until the worker pool has stopped.
func (s *Server) Wait() { s.pool.Wait() }
