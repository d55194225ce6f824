// Package agent runs a local replica of one file and serves it to browser
// tabs over a websocket.
package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"collabtext/internal/config"
	"collabtext/internal/crdt"
	"collabtext/internal/discovery"
	"collabtext/internal/replica"
	"collabtext/internal/wire"
)

// reconnectPause spaces out reconnects after an established session drops.
const reconnectPause = time.Second

type Agent struct {
	cfg    config.AgentConfig
	disc   config.DiscoveryConfig
	limits wire.Limits
	hub    *Hub
	editor *replica.Editor
	log    *slog.Logger
}

func New(cfg *config.Config, log *slog.Logger) *Agent {
	log = log.With("component", "agent")
	a := &Agent{
		cfg:  cfg.Agent,
		disc: cfg.Discovery,
		limits: wire.Limits{
			MaxJSON: cfg.Server.MaxFrameBytes,
			MaxBlob: cfg.Server.MaxBlobBytes,
		},
		hub: newHub(log),
		log: log,
	}
	a.editor = replica.NewEditor(crdt.SiteFor(cfg.Agent.Username), a.onChange, log)
	return a
}

// onChange runs on the editor goroutine.
func (a *Agent) onChange(c replica.Change) {
	switch {
	case c.Reset != nil:
		a.hub.publish(resetMessage(*c.Reset), "")
	case c.Edit != nil:
		a.hub.publish(editMessage(c.Origin, c.Edit), c.Origin)
	default:
		for _, r := range c.Renders {
			a.hub.publish(renderMessage(r), "")
		}
	}
}

func (a *Agent) onPresence(p replica.Presence) {
	u := p.User
	a.hub.publish(Message{Action: ActionPresence, User: &u, Joined: p.Joined}, "")
}

// Router serves the UI files and the tab websocket.
func (a *Agent) Router(ctx context.Context) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
		a.serveWs(ctx, w, req)
	})
	r.PathPrefix("/").Handler(http.FileServer(http.Dir(a.cfg.UIDir)))
	return r
}

// Run keeps the replica in sync with the server until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.hub.run(ctx)
		return nil
	})
	g.Go(func() error { return a.editor.Run(ctx) })
	g.Go(func() error { return a.sync(ctx) })
	return g.Wait()
}

func (a *Agent) sync(ctx context.Context) error {
	for {
		err := a.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, replica.ErrRejected) {
			return err
		}
		a.log.Warn("session ended, reconnecting", "err", err)
		select {
		case <-time.After(reconnectPause):
		case <-ctx.Done():
			return nil
		}
	}
}

// session runs one connection from dial to disconnect.
func (a *Agent) session(ctx context.Context) error {
	addr, err := a.serverAddr(ctx)
	if err != nil {
		return err
	}
	opts := replica.Options{
		Addr:        addr,
		Username:    a.cfg.Username,
		Password:    a.cfg.Password,
		File:        a.cfg.File,
		Limits:      a.limits,
		DialTimeout: 10 * time.Second,
		OnPresence:  a.onPresence,
	}
	if a.cfg.TLS {
		opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	c, err := replica.Connect(ctx, opts, a.log)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := a.editor.Attach(ctx, c.Snapshot().Symbols, c.Send); err != nil {
		return err
	}
	for _, u := range c.Snapshot().Users {
		a.onPresence(replica.Presence{User: u, Joined: true})
	}
	a.log.Info("replica attached", "addr", addr, "file", a.cfg.File)
	err = c.Run(ctx, a.editor)
	if derr := a.editor.Detach(context.WithoutCancel(ctx)); derr != nil && !errors.Is(derr, replica.ErrStopped) {
		a.log.Warn("detach", "err", derr)
	}
	return err
}

func (a *Agent) serverAddr(ctx context.Context) (string, error) {
	if a.cfg.ServerAddr != "" {
		return a.cfg.ServerAddr, nil
	}
	p, err := discovery.Lookup(ctx, a.disc, a.log)
	if err != nil {
		return "", fmt.Errorf("no server configured: %w", err)
	}
	return p.Addr, nil
}
