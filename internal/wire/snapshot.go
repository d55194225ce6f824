package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultBatchBytes bounds the content of one file_to_open frame.
const DefaultBatchBytes = 32 << 10

var ErrIncomplete = errors.New("wire: snapshot incomplete")

// Snapshot is everything a joining session receives for a file.
type Snapshot struct {
	Filename   string
	Symbols    []Symbol
	Users      []User
	Avatars    [][]byte
	SharedLink string
}

// fileBatch is one file_to_open frame as sent; content is pre-encoded so
// each symbol is marshaled once.
type fileBatch struct {
	Response
	Filename   string            `json:"filename"`
	Content    []json.RawMessage `json:"content"`
	TotSymbols int               `json:"tot_symbols"`
	Last       bool              `json:"last,omitempty"`
	Users      []User            `json:"users,omitempty"`
	SharedLink string            `json:"shared_link,omitempty"`
}

// FileBatch is one file_to_open frame as received.
type FileBatch struct {
	Response
	Filename   string   `json:"filename"`
	Content    []Symbol `json:"content"`
	TotSymbols int      `json:"tot_symbols"`
	Last       bool     `json:"last"`
	Users      []User   `json:"users"`
	SharedLink string   `json:"shared_link"`
}

// Frames splits s into file_to_open frames. Symbols are accumulated in order
// until the encoded content of a batch would exceed maxBytes; a symbol larger
// than maxBytes gets a batch of its own. The final frame is marked last and
// carries the users, the shared link and one avatar blob per user. An empty
// snapshot is a single final frame.
func (s Snapshot) Frames(maxBytes int) ([]*Frame, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultBatchBytes
	}
	var batches [][]json.RawMessage
	cur := []json.RawMessage{}
	size := 0
	for _, sym := range s.Symbols {
		b, err := json.Marshal(sym)
		if err != nil {
			return nil, fmt.Errorf("encode symbol: %w", err)
		}
		if len(cur) > 0 && size+len(b)+1 > maxBytes {
			batches = append(batches, cur)
			cur = []json.RawMessage{}
			size = 0
		}
		cur = append(cur, b)
		size += len(b) + 1
	}
	batches = append(batches, cur)

	frames := make([]*Frame, 0, len(batches))
	for i, content := range batches {
		msg := fileBatch{
			Response:   OK(TypeOpenFile),
			Filename:   s.Filename,
			Content:    content,
			TotSymbols: len(s.Symbols),
		}
		var blobs [][]byte
		if i == len(batches)-1 {
			msg.Last = true
			msg.Users = s.Users
			msg.SharedLink = s.SharedLink
			blobs = make([][]byte, len(s.Users))
			copy(blobs, s.Avatars)
		}
		f, err := NewFrame(msg, blobs...)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// Reassembler collects file_to_open batches in arrival order.
type Reassembler struct {
	snap    Snapshot
	total   int
	started bool
	done    bool
}

// Add consumes one batch and reports whether the snapshot is complete. A
// failed file_to_open reply is returned as an error carrying its reason.
func (r *Reassembler) Add(f *Frame) (bool, error) {
	if r.done {
		return true, errors.New("wire: batch after last")
	}
	var b FileBatch
	if err := f.Decode(&b); err != nil {
		return false, err
	}
	if !b.Success {
		return false, fmt.Errorf("open %s: %s", b.Filename, b.Reason)
	}
	if !r.started {
		r.started = true
		r.snap.Filename = b.Filename
		r.total = b.TotSymbols
		r.snap.Symbols = make([]Symbol, 0, max(0, min(b.TotSymbols, 1<<16)))
	}
	if len(r.snap.Symbols)+len(b.Content) > r.total {
		return false, fmt.Errorf("wire: snapshot overflow: %d symbols announced", r.total)
	}
	r.snap.Symbols = append(r.snap.Symbols, b.Content...)
	if !b.Last {
		return false, nil
	}
	if len(r.snap.Symbols) != r.total {
		return false, fmt.Errorf("%w: got %d of %d symbols", ErrIncomplete, len(r.snap.Symbols), r.total)
	}
	r.snap.Users = b.Users
	r.snap.SharedLink = b.SharedLink
	r.snap.Avatars = make([][]byte, len(b.Users))
	for i := range b.Users {
		r.snap.Avatars[i] = f.Blob(i)
	}
	r.done = true
	return true, nil
}

// Snapshot returns the assembled snapshot once Add has reported completion.
func (r *Reassembler) Snapshot() (Snapshot, error) {
	if !r.done {
		return Snapshot{}, ErrIncomplete
	}
	return r.snap, nil
}
