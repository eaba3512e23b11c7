package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sells-group/orchestrator/internal/events"
)

const (
	watchBuffer    = 64
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxClientFrame = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WatchMessage is one frame pushed to a run watcher.
type WatchMessage struct {
	// Type is "status" for snapshots and "event" for lifecycle events.
	Type string `json:"type"`
	Data any    `json:"data"`
}

// watchRun streams a run's lifecycle events over a WebSocket. The current
// status is sent first; the connection closes after the terminal event.
func (s *Server) watchRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if s.hub == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "run watching is disabled"})
		return
	}
	view, err := s.engine.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}

	// Subscribe before upgrading so no event falls between the snapshot and
	// the stream.
	ch, unsubscribe := s.hub.Subscribe(runID, watchBuffer)
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.L().Warn("api: websocket upgrade", zap.String("run_id", runID), zap.Error(err))
		return
	}
	defer conn.Close() //nolint:errcheck

	log := zap.L().With(zap.String("run_id", runID))
	log.Debug("api: watcher connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go readPump(conn, cancel)

	if !send(conn, WatchMessage{Type: "status", Data: view}) {
		return
	}
	if view.Status.Terminal() {
		closeNormal(conn, "run finished")
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !send(conn, WatchMessage{Type: "event", Data: ev}) {
				return
			}
			if events.IsTerminal(ev.Type) {
				closeNormal(conn, "run finished")
				log.Debug("api: watcher done", zap.String("status", string(ev.Status)))
				return
			}
		}
	}
}

func send(conn *websocket.Conn, msg WatchMessage) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		zap.L().Debug("api: websocket write", zap.Error(err))
		return false
	}
	return true
}

func closeNormal(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(writeWait))
}

// readPump answers client pings and cancels the stream when the client
// goes away.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(maxClientFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				zap.L().Debug("api: websocket read", zap.Error(err))
			}
			return
		}
		var req struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(msg, &req) == nil && req.Type == "ping" {
			_ = conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(writeWait))
		}
	}
}
