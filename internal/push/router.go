package push

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/example/ivan/internal/logging"
	"github.com/example/ivan/internal/observability"
)

type Handler interface {
	HandleNotification(ctx context.Context, origin Origin, m Message) error
}

type HandlerFunc func(ctx context.Context, origin Origin, m Message) error

func (f HandlerFunc) HandleNotification(ctx context.Context, origin Origin, m Message) error {
	return f(ctx, origin, m)
}

// Alerter shows a notification body to a user who has the app open.
type Alerter interface {
	Alert(body string)
}

// Router is the one entry point for foreground, opened and initial
// notifications. Deliveries are handled one at a time.
type Router struct {
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	fallback Handler
	alerter  Alerter
}

func NewRouter(logger *slog.Logger) *Router {
	return &Router{logger: logging.Component(logger, "push"), handlers: make(map[string]Handler)}
}

func (r *Router) On(typ string, h Handler) {
	r.mu.Lock()
	r.handlers[typ] = h
	r.mu.Unlock()
}

// Fallback handles typed notifications with no registered handler.
func (r *Router) Fallback(h Handler) {
	r.mu.Lock()
	r.fallback = h
	r.mu.Unlock()
}

func (r *Router) SetAlerter(a Alerter) {
	r.mu.Lock()
	r.alerter = a
	r.mu.Unlock()
}

// Handle decodes raw and dispatches it.
func (r *Router) Handle(ctx context.Context, origin Origin, raw []byte) error {
	m, err := Decode(raw)
	if err != nil {
		observability.NotificationsTotal.WithLabelValues("unknown", string(origin), "malformed").Inc()
		return err
	}
	return r.Dispatch(ctx, origin, m)
}

func (r *Router) Dispatch(ctx context.Context, origin Origin, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if origin == OriginForeground && m.Body != "" && r.alerter != nil {
		r.alerter.Alert(m.Body)
	}
	if m.Type == "" {
		observability.NotificationsTotal.WithLabelValues("none", string(origin), "ignored").Inc()
		return nil
	}
	h, ok := r.handlers[m.Type]
	if !ok {
		h = r.fallback
	}
	if h == nil {
		observability.NotificationsTotal.WithLabelValues(m.Type, string(origin), "unhandled").Inc()
		r.logger.Debug("no handler for notification", "type", m.Type)
		return nil
	}
	if err := h.HandleNotification(ctx, origin, m); err != nil {
		observability.NotificationsTotal.WithLabelValues(m.Type, string(origin), "error").Inc()
		r.logger.Warn("notification handler failed", "type", m.Type, "origin", origin, "error", err)
		return err
	}
	observability.NotificationsTotal.WithLabelValues(m.Type, string(origin), "handled").Inc()
	r.logger.Info("notification handled", "type", m.Type, "origin", origin, "order_id", m.OrderID)
	return nil
}

const maxPayload = 64 << 10

// Webhook accepts a remote message as the POST body. The delivery path is
// given by the origin query parameter and defaults to foreground.
func (r *Router) Webhook() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		origin, err := ParseOrigin(req.URL.Query().Get("origin"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		body, err := io.ReadAll(io.LimitReader(req.Body, maxPayload))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		if err := r.Handle(req.Context(), origin, body); err != nil {
			if errors.Is(err, ErrMalformed) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}
