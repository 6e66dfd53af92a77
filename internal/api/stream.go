package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/scenario-lab/internal/identity"
	"github.com/ashureev/scenario-lab/internal/simulation"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	sseRetryDelay         = 5 * time.Second
	sseKeepaliveInterval  = 10 * time.Second
	wsWriteTimeout        = 10 * time.Second
	wsMaxInboundMessage   = 64 << 10
	wsMessageTypeError    = "error"
	wsMessageTypePong     = "pong"
	wsMessageTypeSend     = "send"
	wsMessageTypeFinish   = "finish"
	wsMessageTypePing     = "ping"
	wsMessageTypeFinished = "finished"
)

// wsInbound is a client command on the simulation socket.
type wsInbound struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// wsOutbound is a server message that is not a session event.
type wsOutbound struct {
	Type    string      `json:"type"`
	Error   string      `json:"error,omitempty"`
	Session interface{} `json:"session,omitempty"`
}

// ServeWebSocket streams session events and accepts send/finish/ping
// commands over a WebSocket.
func (h *SimulationHandler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	userID := identity.UserIDFromContext(r.Context())

	if !h.checkOrigin(r) {
		Error(w, http.StatusForbidden, "origin not allowed")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	ws.SetReadLimit(wsMaxInboundMessage)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	slog.Info("Simulation socket connected", "user_id", userID, "simulation_id", s.ID())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	if err := writeWS(ctx, ws, simulation.Event{Type: simulation.EventSnapshot, Snapshot: s.Snapshot()}); err != nil {
		return
	}

	go func() {
		defer cancel()
		h.inputLoop(ctx, ws, s, userID)
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Simulation socket disconnected", "user_id", userID, "simulation_id", s.ID())
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeWS(ctx, ws, ev); err != nil {
				slog.Debug("WebSocket write error", "error", err, "user_id", userID)
				return
			}
		}
	}
}

// inputLoop dispatches client commands until the socket closes. Commands run
// one at a time; their state changes reach the client as events.
func (h *SimulationHandler) inputLoop(ctx context.Context, ws *websocket.Conn, s *simulation.Session, userID string) {
	for {
		var msg wsInbound
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var reply *wsOutbound
		switch msg.Type {
		case wsMessageTypeSend:
			if err := s.Submit(ctx, msg.Content); err != nil {
				reply = &wsOutbound{Type: wsMessageTypeError, Error: err.Error()}
			}
		case wsMessageTypeFinish:
			past, err := s.Finish(ctx)
			if err != nil {
				reply = &wsOutbound{Type: wsMessageTypeError, Error: err.Error()}
			} else {
				reply = &wsOutbound{Type: wsMessageTypeFinished, Session: past}
			}
		case wsMessageTypePing:
			reply = &wsOutbound{Type: wsMessageTypePong}
		default:
			reply = &wsOutbound{Type: wsMessageTypeError, Error: fmt.Sprintf("unknown message type %q", msg.Type)}
		}

		if reply != nil {
			if err := writeWS(ctx, ws, reply); err != nil {
				return
			}
		}
	}
}

func writeWS(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, ws, v)
}

func (h *SimulationHandler) checkOrigin(r *http.Request) bool {
	if h.isDevelopment() {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins() {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	slog.Warn("WebSocket origin rejected", "origin", origin)
	return false
}

// ServeEvents streams session events as Server-Sent Events.
func (h *SimulationHandler) ServeEvents(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	userID := identity.UserIDFromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", sseRetryDelay.Milliseconds()); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err, "user_id", userID)
		return
	}

	var eventID int64
	send := func(event string, v interface{}) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		eventID++
		if err := writeSSEWithID(w, eventID, event, string(data)); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := send("connected", map[string]string{"status": "connected", "simulation_id": s.ID()}); err != nil {
		return
	}
	if err := send(string(simulation.EventSnapshot), simulation.Event{Type: simulation.EventSnapshot, Snapshot: s.Snapshot()}); err != nil {
		return
	}
	slog.Info("SSE connection established", "user_id", userID, "simulation_id", s.ID())

	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Info("SSE connection closed", "user_id", userID, "simulation_id", s.ID())
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := send(string(ev.Type), ev); err != nil {
				slog.Warn("failed to write SSE event", "error", err, "user_id", userID)
				return
			}
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				slog.Warn("failed to write SSE keepalive ping", "error", err, "user_id", userID)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
