package server

import (
	"bufio"
	"errors"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"collabtext/internal/wire"
)

const writeWait = 10 * time.Second

// Conn is an ordered, reliable frame transport.
type Conn interface {
	ReadFrame() (*wire.Frame, error)
	WriteFrame(f *wire.Frame) error
	Close() error
	RemoteAddr() string
}

// streamConn carries frames back to back on a byte stream (TCP or TLS).
type streamConn struct {
	c net.Conn
	r *wire.Reader
	w *bufio.Writer
}

func NewStreamConn(c net.Conn, limits wire.Limits) Conn {
	return &streamConn{c: c, r: wire.NewReader(c, limits), w: bufio.NewWriter(c)}
}

func (s *streamConn) ReadFrame() (*wire.Frame, error) { return s.r.ReadFrame() }

func (s *streamConn) WriteFrame(f *wire.Frame) error {
	_ = s.c.SetWriteDeadline(time.Now().Add(writeWait))
	if _, err := f.WriteTo(s.w); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *streamConn) Close() error       { return s.c.Close() }
func (s *streamConn) RemoteAddr() string { return s.c.RemoteAddr().String() }

// wsConn carries one frame per binary websocket message.
type wsConn struct {
	ws     *websocket.Conn
	limits wire.Limits
}

func NewWebsocketConn(ws *websocket.Conn, limits wire.Limits) Conn {
	return &wsConn{ws: ws, limits: limits}
}

var errTextMessage = errors.New("websocket: frames must be binary messages")

func (c *wsConn) ReadFrame() (*wire.Frame, error) {
	typ, b, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if typ != websocket.BinaryMessage {
		return nil, errTextMessage
	}
	return wire.DecodeFrame(b, c.limits)
}

func (c *wsConn) WriteFrame(f *wire.Frame) error {
	b, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.BinaryMessage, b)
}

func (c *wsConn) Close() error       { return c.ws.Close() }
func (c *wsConn) RemoteAddr() string { return c.ws.RemoteAddr().String() }
