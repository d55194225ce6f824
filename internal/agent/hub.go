package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabtext/internal/replica"
)

const writeWait = 10 * time.Second

// Client represents a single connected browser tab.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// outbound goes to every tab but skip, or only to the tab named only.
type outbound struct {
	message []byte
	skip    string
	only    string
}

// Hub maintains the set of active tabs and broadcasts messages to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	log        *slog.Logger
}

func newHub(log *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        log,
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
			h.log.Info("client registered", "client", client.id, "clients", len(h.clients))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.log.Info("client unregistered", "client", client.id, "clients", len(h.clients))
			}
		case out := <-h.broadcast:
			for client := range h.clients {
				if client.id == out.skip || (out.only != "" && client.id != out.only) {
					continue
				}
				select {
				case client.send <- out.message:
				default:
					close(client.send)
					delete(h.clients, client)
					h.log.Warn("dropping slow client", "client", client.id)
				}
			}
		}
	}
}

// publish sends m to every tab except the one named skip.
func (h *Hub) publish(m Message, skip string) {
	h.queue(m, outbound{skip: skip})
}

// reply sends m to the tab named id only.
func (h *Hub) reply(m Message, id string) {
	h.queue(m, outbound{only: id})
}

func (h *Hub) queue(m Message, out outbound) {
	b, err := json.Marshal(m)
	if err != nil {
		h.log.Error("encode message", "action", m.Action, "err", err)
		return
	}
	out.message = b
	select {
	case h.broadcast <- out:
	case <-h.done:
	}
}

// add registers c; false means the hub has stopped.
func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (a *Agent) serveWs(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	client := &Client{id: uuid.NewString(), conn: conn, send: make(chan []byte, 256)}

	// The reset is queued and the tab registered on the editor goroutine,
	// so the tab sees every change made after the state it starts from.
	registered := false
	err = a.editor.Observe(r.Context(), func(st replica.State) {
		m := resetMessage(st)
		m.ClientID = client.id
		if b, err := json.Marshal(m); err == nil {
			client.send <- b
		}
		registered = a.hub.add(client)
	})
	if err != nil || !registered {
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump(ctx, a)
}

func (c *Client) readPump(ctx context.Context, a *Agent) {
	defer func() {
		a.hub.remove(c)
		c.conn.Close()
	}()
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var m Message
		if err := json.Unmarshal(message, &m); err != nil {
			a.log.Warn("error decoding message", "client", c.id, "err", err)
			continue
		}
		edit, err := m.Edit()
		if err == nil {
			err = a.editor.Local(ctx, c.id, edit)
		}
		if err != nil {
			a.log.Warn("edit rejected", "client", c.id, "action", m.Action, "err", err)
			a.hub.reply(Message{Action: ActionError, ClientID: c.id, Reason: err.Error()}, c.id)
		}
	}
}

func (c *Client) writePump() {
	defer func() {
		c.conn.Close()
	}()
	for {
		message, ok := <-c.send
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if !ok {
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}
