// Package wire implements the framing and JSON commands exchanged between
// replicas and the collab server.
//
// Every frame is
//
//	[u32 LE json length][json object][u32 LE blob length][blob] ...
//
// The JSON object always carries "type". A frame carries exactly one blob
// length field unless the object states another count in "blobs"; blobs may
// be empty but their length field is always present.
package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

const (
	DefaultMaxJSON  = 64 << 20
	DefaultMaxBlob  = 16 << 20
	DefaultMaxBlobs = 1024
)

var (
	ErrFrameTooLarge = errors.New("wire: frame too large")
	ErrMissingType   = errors.New("wire: missing type")
	// ErrMalformed reports a frame whose JSON does not parse. The frame has
	// been consumed, so the stream stays in sync.
	ErrMalformed = errors.New("wire: malformed json")
)

// Limits bounds what a reader accepts.
type Limits struct {
	MaxJSON  int
	MaxBlob  int
	MaxBlobs int
}

func (l Limits) withDefaults() Limits {
	if l.MaxJSON <= 0 {
		l.MaxJSON = DefaultMaxJSON
	}
	if l.MaxBlob <= 0 {
		l.MaxBlob = DefaultMaxBlob
	}
	if l.MaxBlobs <= 0 {
		l.MaxBlobs = DefaultMaxBlobs
	}
	return l
}

// Frame is one decoded message.
type Frame struct {
	Type  string
	JSON  []byte
	Blobs [][]byte
}

type header struct {
	Type  string `json:"type"`
	Blobs int    `json:"blobs,omitempty"`
}

// NewFrame marshals v and attaches blobs. v must marshal to a JSON object
// with a "type" field.
func NewFrame(v any, blobs ...[]byte) (*Frame, error) {
	js, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	var h header
	if err := json.Unmarshal(js, &h); err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	if h.Type == "" {
		return nil, fmt.Errorf("marshal %T: %w", v, ErrMissingType)
	}
	if len(blobs) == 0 {
		blobs = [][]byte{nil}
	}
	if len(blobs) != 1 && h.Blobs != len(blobs) {
		js = withBlobCount(js, len(blobs))
	}
	return &Frame{Type: h.Type, JSON: js, Blobs: blobs}, nil
}

// MustFrame is NewFrame for messages built from package types that are known
// to marshal.
func MustFrame(v any, blobs ...[]byte) *Frame {
	f, err := NewFrame(v, blobs...)
	if err != nil {
		panic(err)
	}
	return f
}

func withBlobCount(js []byte, n int) []byte {
	var b bytes.Buffer
	b.Grow(len(js) + 16)
	b.WriteString(`{"blobs":`)
	b.WriteString(strconv.Itoa(n))
	rest := bytes.TrimSpace(js[1:])
	if len(rest) > 0 && rest[0] != '}' {
		b.WriteByte(',')
	}
	b.Write(rest)
	return b.Bytes()
}

// Decode unmarshals the JSON object into v.
func (f *Frame) Decode(v any) error {
	if err := json.Unmarshal(f.JSON, v); err != nil {
		return fmt.Errorf("decode %s: %w", f.Type, err)
	}
	return nil
}

// Blob returns blob i or nil.
func (f *Frame) Blob(i int) []byte {
	if i < 0 || i >= len(f.Blobs) {
		return nil
	}
	return f.Blobs[i]
}

// Size is the encoded length of the frame.
func (f *Frame) Size() int {
	n := 4 + len(f.JSON)
	for _, b := range f.Blobs {
		n += 4 + len(b)
	}
	return n
}

// WriteTo encodes the frame onto w.
func (f *Frame) WriteTo(w io.Writer) (int64, error) {
	buf := make([]byte, 0, f.Size())
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.JSON)))
	buf = append(buf, f.JSON...)
	blobs := f.Blobs
	if len(blobs) == 0 {
		blobs = [][]byte{nil}
	}
	for _, b := range blobs {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
		buf = append(buf, b...)
	}
	n, err := w.Write(buf)
	return int64(n), err
}

// MarshalBinary encodes the frame, for transports that carry one frame per
// message.
func (f *Frame) MarshalBinary() ([]byte, error) {
	var b bytes.Buffer
	if _, err := f.WriteTo(&b); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Reader decodes frames from a byte stream.
type Reader struct {
	r      *bufio.Reader
	limits Limits
}

// NewReader wraps r.
func NewReader(r io.Reader, limits Limits) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64<<10), limits: limits.withDefaults()}
}

func (r *Reader) readLen(max int) (int, error) {
	var b [4]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		return 0, err
	}
	n := int(binary.LittleEndian.Uint32(b[:]))
	if n > max {
		return 0, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	return n, nil
}

// ReadFrame reads the next frame. io.EOF is returned only on a clean
// boundary; a truncated frame yields io.ErrUnexpectedEOF.
func (r *Reader) ReadFrame() (*Frame, error) {
	n, err := r.readLen(r.limits.MaxJSON)
	if err != nil {
		return nil, err
	}
	js := make([]byte, n)
	if _, err := io.ReadFull(r.r, js); err != nil {
		return nil, unexpected(err)
	}
	var h header
	bad := json.Unmarshal(js, &h)
	count := 1
	if h.Blobs > 0 {
		count = h.Blobs
	}
	if count > r.limits.MaxBlobs {
		return nil, fmt.Errorf("%w: %d blobs", ErrFrameTooLarge, count)
	}
	f := &Frame{Type: h.Type, JSON: js, Blobs: make([][]byte, count)}
	for i := range f.Blobs {
		m, err := r.readLen(r.limits.MaxBlob)
		if err != nil {
			return nil, unexpected(err)
		}
		if m == 0 {
			continue
		}
		f.Blobs[i] = make([]byte, m)
		if _, err := io.ReadFull(r.r, f.Blobs[i]); err != nil {
			return nil, unexpected(err)
		}
	}
	if bad != nil {
		return f, fmt.Errorf("%w: %w", ErrMalformed, bad)
	}
	if h.Type == "" {
		return f, ErrMissingType
	}
	return f, nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// DecodeFrame decodes a single frame held in b.
func DecodeFrame(b []byte, limits Limits) (*Frame, error) {
	br := bytes.NewReader(b)
	r := NewReader(br, limits)
	f, err := r.ReadFrame()
	if err != nil {
		return f, err
	}
	if n := r.r.Buffered() + br.Len(); n > 0 {
		return f, fmt.Errorf("wire: %d trailing bytes after frame", n)
	}
	return f, nil
}
