package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		msg   any
		blobs [][]byte
		want  int
	}{
		{"no blobs", OK(TypeClose), nil, 1},
		{"one blob", LoginResponse{Response: OK(TypeLogin), Username: "ann"}, [][]byte{[]byte("png")}, 1},
		{"several blobs", Connection{Type: TypeConnection, Username: "bob"}, [][]byte{[]byte("a"), nil, []byte("ccc")}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFrame(tt.msg, tt.blobs...)
			require.NoError(t, err)

			var buf bytes.Buffer
			_, err = f.WriteTo(&buf)
			require.NoError(t, err)
			assert.Equal(t, f.Size(), buf.Len())

			got, err := NewReader(&buf, Limits{}).ReadFrame()
			require.NoError(t, err)
			assert.Equal(t, f.Type, got.Type)
			assert.JSONEq(t, string(f.JSON), string(got.JSON))
			require.Len(t, got.Blobs, tt.want)
			for i, b := range tt.blobs {
				assert.Equal(t, len(b), len(got.Blob(i)))
			}
		})
	}
}

func TestFrameStream(t *testing.T) {
	var buf bytes.Buffer
	for _, typ := range []string{TypeLogin, TypeListFiles, TypeClose} {
		_, err := MustFrame(OK(typ)).WriteTo(&buf)
		require.NoError(t, err)
	}
	r := NewReader(&buf, Limits{})
	for _, typ := range []string{TypeLogin, TypeListFiles, TypeClose} {
		f, err := r.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, typ, f.Type)
	}
	_, err := r.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameBlobCountIsWritten(t *testing.T) {
	f := MustFrame(Connection{Type: TypeConnection}, nil, nil)
	var h header
	require.NoError(t, f.Decode(&h))
	assert.Equal(t, 2, h.Blobs)

	one := MustFrame(Connection{Type: TypeConnection})
	assert.NotContains(t, string(one.JSON), "blobs")
}

func TestFrameLimits(t *testing.T) {
	f := MustFrame(OK(TypeLogin), bytes.Repeat([]byte{1}, 100))
	b, err := f.MarshalBinary()
	require.NoError(t, err)

	_, err = DecodeFrame(b, Limits{MaxBlob: 99})
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	_, err = DecodeFrame(b, Limits{MaxJSON: 4})
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	_, err = DecodeFrame(b, Limits{})
	assert.NoError(t, err)
}

func TestFrameTruncated(t *testing.T) {
	b, err := MustFrame(OK(TypeLogin), []byte("abcdef")).MarshalBinary()
	require.NoError(t, err)
	_, err = DecodeFrame(b[:len(b)-2], Limits{})
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFrameMalformed(t *testing.T) {
	t.Run("not json", func(t *testing.T) {
		var b []byte
		b = binary.LittleEndian.AppendUint32(b, 3)
		b = append(b, "{x]"...)
		b = binary.LittleEndian.AppendUint32(b, 0)
		f, err := DecodeFrame(b, Limits{})
		assert.ErrorIs(t, err, ErrMalformed)
		assert.NotNil(t, f)
	})
	t.Run("missing type", func(t *testing.T) {
		var b []byte
		b = binary.LittleEndian.AppendUint32(b, 2)
		b = append(b, "{}"...)
		b = binary.LittleEndian.AppendUint32(b, 0)
		f, err := DecodeFrame(b, Limits{})
		assert.ErrorIs(t, err, ErrMissingType)
		assert.NotNil(t, f)
	})
	t.Run("trailing bytes", func(t *testing.T) {
		b, err := MustFrame(OK(TypeLogin)).MarshalBinary()
		require.NoError(t, err)
		_, err = DecodeFrame(append(b, 0, 0), Limits{})
		assert.Error(t, err)
	})
	t.Run("marshal without type", func(t *testing.T) {
		_, err := NewFrame(struct{}{})
		assert.ErrorIs(t, err, ErrMissingType)
	})
}
