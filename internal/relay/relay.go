// Package relay fans document edits out across server nodes over Redis
// pub/sub. Each resident file is one channel; a node subscribes while it
// holds the file and ignores its own publications.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"collabtext/internal/store"
	"collabtext/internal/wire"
)

// Envelope is one relayed edit.
type Envelope struct {
	Node  string `json:"node"`
	File  string `json:"file"`
	Frame []byte `json:"frame"`
}

// Deliver receives edits published by other nodes.
type Deliver func(key store.FileKey, f *wire.Frame) error

type Relay struct {
	rdb    *redis.Client
	pubsub *redis.PubSub
	prefix string
	node   string
	limits wire.Limits
	log    *slog.Logger

	mu   sync.Mutex
	refs map[store.FileKey]int
}

// Dial connects to the Redis server at addr.
func Dial(ctx context.Context, addr, prefix, node string, limits wire.Limits, log *slog.Logger) (*Relay, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("could not connect to redis: %w", err)
	}
	r := newRelay(prefix, node, limits, log)
	r.rdb = rdb
	r.pubsub = rdb.Subscribe(ctx)
	return r, nil
}

func newRelay(prefix, node string, limits wire.Limits, log *slog.Logger) *Relay {
	return &Relay{
		prefix: prefix,
		node:   node,
		limits: limits,
		log:    log.With("component", "relay", "node", node),
		refs:   make(map[store.FileKey]int),
	}
}

func (r *Relay) channel(key store.FileKey) string { return r.prefix + key.String() }

// Publish sends f to every other node holding key.
func (r *Relay) Publish(ctx context.Context, key store.FileKey, f *wire.Frame) error {
	payload, err := r.encode(key, f)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel(key), payload).Err()
}

func (r *Relay) encode(key store.FileKey, f *wire.Frame) ([]byte, error) {
	b, err := f.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Node: r.node, File: key.String(), Frame: b})
}

// Watch subscribes to key's channel. Calls are counted, so a Watch for a
// reloaded file and an Unwatch for its evicted predecessor may arrive in
// either order.
func (r *Relay) Watch(key store.FileKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs[key]++
	if r.refs[key] != 1 || r.pubsub == nil {
		return
	}
	if err := r.pubsub.Subscribe(context.Background(), r.channel(key)); err != nil {
		r.log.Error("subscribe failed", "file", key.String(), "err", err)
	}
}

// Unwatch drops one Watch on key.
func (r *Relay) Unwatch(key store.FileKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs[key]--
	if r.refs[key] != 0 {
		return
	}
	delete(r.refs, key)
	if r.pubsub == nil {
		return
	}
	if err := r.pubsub.Unsubscribe(context.Background(), r.channel(key)); err != nil {
		r.log.Error("unsubscribe failed", "file", key.String(), "err", err)
	}
}

// Run hands every foreign edit to deliver until ctx is done.
func (r *Relay) Run(ctx context.Context, deliver Deliver) error {
	ch := r.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := r.handle([]byte(msg.Payload), deliver); err != nil {
				r.log.Warn("dropping relayed message", "channel", msg.Channel, "err", err)
			}
		}
	}
}

func (r *Relay) handle(payload []byte, deliver Deliver) error {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.Node == r.node {
		return nil
	}
	key, err := store.ParseFileKey(env.File)
	if err != nil {
		return err
	}
	f, err := wire.DecodeFrame(env.Frame, r.limits)
	if err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return deliver(key, f)
}

func (r *Relay) Close() error {
	if err := r.pubsub.Close(); err != nil {
		r.rdb.Close()
		return err
	}
	return r.rdb.Close()
}
