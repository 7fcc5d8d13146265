// Package dispatch fans agent state out to connected UI clients over
// websocket.
package dispatch

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ivan/internal/logging"
	"github.com/example/ivan/internal/models"
	"github.com/example/ivan/internal/observability"
	"github.com/example/ivan/internal/reconciler"
)

const (
	TypeMap             = "map"
	TypeTracking        = "tracking"
	TypePrompt          = "prompt"
	TypePromptDismissed = "prompt_dismissed"
	TypeAlert           = "alert"
	TypeNavigate        = "navigate"
)

const writeWait = 5 * time.Second

// Envelope is one message to the UI.
type Envelope struct {
	Type string    `json:"type"`
	Data any       `json:"data,omitempty"`
	At   time.Time `json:"at"`
}

type Dismissal struct {
	OrderID models.ID `json:"order_id"`
	Error   string    `json:"error,omitempty"`
}

// session is one connected UI.
type session struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) send(e Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(e)
}

// Hub holds UI sessions. The latest map and open prompt are replayed to
// clients as they connect.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session
	sticky   map[string]Envelope
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:   logging.Component(logger, "dispatch"),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		sessions: make(map[string]*session),
		sticky:   make(map[string]Envelope),
	}
}

// Broadcast sends to every session. Sessions that fail to receive are
// dropped.
func (h *Hub) Broadcast(typ string, data any) {
	e := Envelope{Type: typ, Data: data, At: time.Now().UTC()}
	h.mu.Lock()
	switch typ {
	case TypeMap, TypePrompt:
		h.sticky[typ] = e
	case TypeTracking:
		if data == nil {
			delete(h.sticky, typ)
		} else {
			h.sticky[typ] = e
		}
	case TypePromptDismissed:
		delete(h.sticky, TypePrompt)
	}
	targets := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		if err := s.send(e); err != nil {
			h.logger.Warn("ws send error", "session", s.id, "type", typ, "error", err)
			h.remove(s)
		}
	}
}

func (h *Hub) PublishMap(d models.MapData) { h.Broadcast(TypeMap, d) }

// PublishTracking sends the tracking view's map. An empty map means the
// view closed; it is broadcast without data and no longer replayed.
func (h *Hub) PublishTracking(d models.MapData) {
	if d.Driver == nil && d.Station == nil {
		h.Broadcast(TypeTracking, nil)
		return
	}
	h.Broadcast(TypeTracking, d)
}

func (h *Hub) ShowPrompt(p reconciler.Prompt) { h.Broadcast(TypePrompt, p) }

func (h *Hub) DismissPrompt(orderID models.ID, detail string) {
	h.Broadcast(TypePromptDismissed, Dismissal{OrderID: orderID, Error: detail})
}

func (h *Hub) Alert(body string) { h.Broadcast(TypeAlert, map[string]string{"body": body}) }

// ResetToStart sends every UI back to its entry screen.
func (h *Hub) ResetToStart() {
	h.mu.Lock()
	delete(h.sticky, TypePrompt)
	h.mu.Unlock()
	h.Broadcast(TypeNavigate, map[string]string{"screen": "start"})
}

func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// ServeHTTP upgrades the request and holds the session until the client
// goes away. Inbound frames are read and discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	s := &session{id: uuid.NewString(), conn: conn}

	h.mu.Lock()
	h.sessions[s.id] = s
	replay := make([]Envelope, 0, len(h.sticky))
	for _, typ := range []string{TypeMap, TypeTracking, TypePrompt} {
		if e, ok := h.sticky[typ]; ok {
			replay = append(replay, e)
		}
	}
	h.mu.Unlock()
	observability.UIClients.Inc()
	h.logger.Info("ui connected", "session", s.id)

	for _, e := range replay {
		if err := s.send(e); err != nil {
			h.remove(s)
			return
		}
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(s)
}

func (h *Hub) remove(s *session) {
	h.mu.Lock()
	_, ok := h.sessions[s.id]
	delete(h.sessions, s.id)
	h.mu.Unlock()
	if !ok {
		return
	}
	observability.UIClients.Dec()
	_ = s.conn.Close()
	h.logger.Info("ui disconnected", "session", s.id)
}

// Close drops every session.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	h.mu.RUnlock()
	for _, s := range all {
		s.mu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
		s.mu.Unlock()
		h.remove(s)
	}
}
