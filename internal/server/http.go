package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"collabtext/internal/metrics"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Router serves health, metrics, the resident file list and the websocket
// transport. Websocket sessions end when ctx is done.
func (s *Server) Router(ctx context.Context) http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.log.Debug("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.healthz)
	r.Methods(http.MethodGet).Path("/metrics").Handler(metrics.Handler())
	r.Methods(http.MethodGet).Path("/files").HandlerFunc(s.openFiles)
	r.Path("/ws").HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s.serveWebsocket(ctx, w, req)
	})
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"status":   "ok",
		"sessions": s.Sessions(),
		"workers":  s.pool.Loads(),
	})
}

func (s *Server) openFiles(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.reg.OpenFiles())
}

func (s *Server) serveWebsocket(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	ws.SetReadLimit(int64(s.limits.MaxJSON + s.limits.MaxBlob + 1024))
	s.ServeConn(ctx, NewWebsocketConn(ws, s.limits))
}
