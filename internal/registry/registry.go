// Package registry holds the in-memory state of every open file: the
// sessions bound to it and its authoritative symbol set.
//
// Locking: each File has its own mutex, and the Registry mutex guards only
// the key set. A goroutine holding a file lock may take the registry lock;
// never the reverse. flushMu is taken before the file lock and serializes
// snapshot writes of one file.
package registry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"collabtext/internal/crdt"
	"collabtext/internal/metrics"
	"collabtext/internal/store"
	"collabtext/internal/wire"
)

var (
	ErrNotOpen = errors.New("registry: file not open")
	ErrJoined  = errors.New("registry: already joined")
)

// Peer is a session as the registry sees it.
type Peer interface {
	ID() string
	User() wire.User
	Avatar() []byte
	// Send queues f without blocking.
	Send(f *wire.Frame)
}

// Relay fans operations out to other server nodes. Watch and Unwatch are
// called once per load and once per eviction of a file.
type Relay interface {
	Publish(ctx context.Context, key store.FileKey, f *wire.Frame) error
	Watch(key store.FileKey)
	Unwatch(key store.FileKey)
}

// Join is what a session sees when it joins a file.
type Join struct {
	Key     store.FileKey
	Symbols []wire.Symbol
	Others  []Peer
}

// File is the resident state of one file.
type File struct {
	key     store.FileKey
	flushMu sync.Mutex

	mu      sync.Mutex
	loaded  bool
	evicted bool
	peers   []Peer
	symbols map[string]wire.Symbol
	dirty   bool
	version uint64
}

// Status describes a resident file.
type Status struct {
	Key      string `json:"file"`
	Sessions int    `json:"sessions"`
	Symbols  int    `json:"symbols"`
	Dirty    bool   `json:"dirty"`
}

// Registry maps file keys to resident files.
type Registry struct {
	store store.Files
	relay Relay
	log   *slog.Logger

	mu    sync.Mutex
	files map[store.FileKey]*File
}

// New returns an empty registry. relay may be nil.
func New(files store.Files, relay Relay, log *slog.Logger) *Registry {
	return &Registry{
		store: files,
		relay: relay,
		log:   log.With("component", "registry"),
		files: make(map[store.FileKey]*File),
	}
}

func (r *Registry) get(key store.FileKey) *File {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.files[key]
}

func (r *Registry) getOrCreate(key store.FileKey) *File {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.files[key]
	if f == nil {
		f = &File{key: key}
		r.files[key] = f
		metrics.SetOpenFiles(len(r.files))
	}
	return f
}

// remove drops f from the key set. Caller holds f.mu.
func (r *Registry) remove(f *File) {
	f.evicted = true
	r.mu.Lock()
	if r.files[f.key] == f {
		delete(r.files, f.key)
	}
	metrics.SetOpenFiles(len(r.files))
	r.mu.Unlock()
}

// Open binds peer to key, loading the file from the store if it is not
// resident. join runs under the file lock, so nothing is broadcast to peer
// before join has queued the snapshot; it must not block. If join fails peer
// is not bound.
func (r *Registry) Open(ctx context.Context, key store.FileKey, peer Peer, join func(Join) error) error {
	for {
		err := r.open(ctx, r.getOrCreate(key), peer, join)
		if errors.Is(err, errEvicted) {
			continue
		}
		return err
	}
}

// Create stores a new empty file under key and opens it for peer. join
// also receives the new file's shared link.
func (r *Registry) Create(ctx context.Context, key store.FileKey, peer Peer, join func(link string, j Join) error) error {
	link, err := r.store.CreateFile(ctx, key)
	if err != nil {
		return err
	}
	return r.Open(ctx, key, peer, func(j Join) error { return join(link, j) })
}

var errEvicted = errors.New("evicted")

// open runs under f.mu. The relay watch is taken in the same critical
// section as the load, so the Unwatch of a later eviction always follows it.
func (r *Registry) open(ctx context.Context, f *File, peer Peer, join func(Join) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.evicted {
		return errEvicted
	}
	if !f.loaded {
		if err := f.load(ctx, r.store); err != nil {
			if len(f.peers) == 0 {
				r.remove(f)
			}
			return err
		}
		if r.relay != nil {
			r.relay.Watch(f.key)
		}
	}
	if f.has(peer) {
		return ErrJoined
	}
	j := Join{Key: f.key, Symbols: f.sorted(), Others: slices.Clone(f.peers)}
	if err := join(j); err != nil {
		// an idle file left behind is evicted by the next FlushDirty
		return err
	}
	f.peers = append(f.peers, peer)
	return nil
}

func (f *File) load(ctx context.Context, files store.Files) error {
	data, err := files.LoadFile(ctx, f.key)
	if err != nil {
		return fmt.Errorf("load %s: %w", f.key, err)
	}
	syms, err := wire.DecodeSnapshot(data)
	if err != nil {
		return fmt.Errorf("load %s: %w", f.key, err)
	}
	f.symbols = make(map[string]wire.Symbol, len(syms))
	for _, s := range syms {
		if len(s.Position) == 0 {
			continue
		}
		f.symbols[s.Position.Key()] = s
	}
	f.loaded = true
	return nil
}

// sorted returns the symbols in identifier order. Caller holds f.mu.
func (f *File) sorted() []wire.Symbol {
	keys := make([]string, 0, len(f.symbols))
	for k := range f.symbols {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]wire.Symbol, len(keys))
	for i, k := range keys {
		out[i] = f.symbols[k]
	}
	return out
}

// apply mutates the symbol set. Caller holds f.mu.
func (f *File) apply(m wire.Operation) {
	switch m.Type {
	case wire.TypeInsert:
		f.insert(*m.Symbol)
	case wire.TypePaste:
		for _, s := range m.Symbols {
			f.insert(s)
		}
	case wire.TypeErase:
		for _, s := range m.Symbols {
			delete(f.symbols, s.Position.Key())
		}
	case wire.TypeChange:
		k := m.Symbol.Position.Key()
		if s, ok := f.symbols[k]; ok {
			s.Font = m.Symbol.Font
			s.Color = m.Symbol.Color
			f.symbols[k] = s
		}
	case wire.TypeAlign:
		k := m.Symbol.Position.Key()
		s, ok := f.symbols[k]
		if !ok {
			if !m.Symbol.Position.Identifier().Equal(crdt.Min) {
				return
			}
			s = wire.LineHead(*m.Symbol.Alignment)
		}
		a := *m.Symbol.Alignment
		s.Alignment = &a
		f.symbols[k] = s
	}
	f.dirty = true
	f.version++
}

func (f *File) insert(s wire.Symbol) {
	k := s.Position.Key()
	if _, ok := f.symbols[k]; !ok {
		f.symbols[k] = s
	}
}

// broadcast queues frame to every peer except the one with id exclude.
// Caller holds f.mu.
func (f *File) broadcast(frame *wire.Frame, exclude string) {
	n := 0
	for _, p := range f.peers {
		if p.ID() == exclude {
			continue
		}
		p.Send(frame)
		n++
	}
	metrics.RecordFramesSent(n)
}

func (f *File) has(peer Peer) bool {
	return slices.ContainsFunc(f.peers, func(p Peer) bool { return p.ID() == peer.ID() })
}

// Apply mutates key's symbol set with an edit received from peer and
// broadcasts frame to every other peer on the file, in receipt order. An edit
// that does not decode to a CRDT operation is rejected before anything
// changes.
func (r *Registry) Apply(ctx context.Context, key store.FileKey, from Peer, m wire.Operation, frame *wire.Frame) error {
	if _, err := m.Decode(); err != nil {
		return err
	}
	f := r.get(key)
	if f == nil {
		return ErrNotOpen
	}
	f.mu.Lock()
	if f.evicted || !f.has(from) {
		f.mu.Unlock()
		return ErrNotOpen
	}
	f.apply(m)
	f.broadcast(frame, from.ID())
	f.mu.Unlock()
	metrics.RecordOperation(m.Type, "session")

	if r.relay != nil {
		if err := r.relay.Publish(ctx, key, frame); err != nil {
			r.log.Warn("relay publish failed", "file", key.String(), "err", err)
		}
	}
	return nil
}

// ApplyRemote applies an edit relayed from another node and broadcasts it to
// every local peer. Files that are not resident ignore it.
func (r *Registry) ApplyRemote(key store.FileKey, frame *wire.Frame) error {
	var m wire.Operation
	if err := frame.Decode(&m); err != nil {
		return err
	}
	if _, err := m.Decode(); err != nil {
		return err
	}
	f := r.get(key)
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.evicted || !f.loaded {
		return nil
	}
	f.apply(m)
	f.broadcast(frame, "")
	metrics.RecordOperation(m.Type, "relay")
	return nil
}

// Notify queues frame to every peer on key except exclude.
func (r *Registry) Notify(key store.FileKey, frame *wire.Frame, exclude Peer) {
	f := r.get(key)
	if f == nil {
		return
	}
	id := ""
	if exclude != nil {
		id = exclude.ID()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.evicted {
		f.broadcast(frame, id)
	}
}

// Leave unbinds peer from key. The remaining peers receive notice. When the
// last peer leaves, the file is flushed and evicted; if that flush fails the
// file stays resident and dirty for the coalescer to retry.
func (r *Registry) Leave(ctx context.Context, key store.FileKey, peer Peer, notice *wire.Frame) error {
	f := r.get(key)
	if f == nil {
		return ErrNotOpen
	}
	f.mu.Lock()
	i := slices.IndexFunc(f.peers, func(p Peer) bool { return p.ID() == peer.ID() })
	if f.evicted || i < 0 {
		f.mu.Unlock()
		return ErrNotOpen
	}
	f.peers = slices.Delete(f.peers, i, i+1)
	last := len(f.peers) == 0
	if !last && notice != nil {
		f.broadcast(notice, "")
	}
	f.mu.Unlock()
	if !last {
		return nil
	}

	if err := r.flush(ctx, f); err != nil {
		r.log.Error("final flush failed, keeping file resident", "file", key.String(), "err", err)
		return nil
	}
	r.evictIdle(f)
	return nil
}

// evictIdle evicts f if no peer is bound and nothing is left to flush.
func (r *Registry) evictIdle(f *File) bool {
	f.mu.Lock()
	if f.evicted || !f.loaded || len(f.peers) > 0 || f.dirty {
		f.mu.Unlock()
		return false
	}
	r.remove(f)
	f.mu.Unlock()
	if r.relay != nil {
		r.relay.Unwatch(f.key)
	}
	r.log.Debug("evicted", "file", f.key.String())
	return true
}

// Flush writes key's snapshot if it is dirty.
func (r *Registry) Flush(ctx context.Context, key store.FileKey) error {
	f := r.get(key)
	if f == nil {
		return ErrNotOpen
	}
	return r.flush(ctx, f)
}

func (r *Registry) flush(ctx context.Context, f *File) error {
	f.flushMu.Lock()
	defer f.flushMu.Unlock()

	f.mu.Lock()
	if !f.dirty || !f.loaded {
		f.mu.Unlock()
		return nil
	}
	syms := f.sorted()
	version := f.version
	f.mu.Unlock()

	start := time.Now()
	data, err := wire.EncodeSnapshot(syms)
	if err == nil {
		err = r.store.SaveFile(ctx, f.key, data)
	}
	metrics.RecordFlush(err, time.Since(start))
	if err != nil {
		return fmt.Errorf("flush %s: %w", f.key, err)
	}

	f.mu.Lock()
	if f.version == version {
		f.dirty = false
	}
	f.mu.Unlock()
	r.log.Debug("flushed", "file", f.key.String(), "symbols", len(syms))
	return nil
}

// FlushDirty flushes every dirty file, then evicts files that no session
// holds any more.
func (r *Registry) FlushDirty(ctx context.Context) error {
	r.mu.Lock()
	files := make([]*File, 0, len(r.files))
	for _, f := range r.files {
		files = append(files, f)
	}
	r.mu.Unlock()

	var errs []error
	for _, f := range files {
		if err := r.flush(ctx, f); err != nil {
			errs = append(errs, err)
			continue
		}
		r.evictIdle(f)
	}
	return errors.Join(errs...)
}

// OpenFiles reports every resident file.
func (r *Registry) OpenFiles() []Status {
	r.mu.Lock()
	files := make([]*File, 0, len(r.files))
	for _, f := range r.files {
		files = append(files, f)
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(files))
	for _, f := range files {
		f.mu.Lock()
		out = append(out, Status{Key: f.key.String(), Sessions: len(f.peers), Symbols: len(f.symbols), Dirty: f.dirty})
		f.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Status) int { return cmp.Compare(a.Key, b.Key) })
	return out
}
