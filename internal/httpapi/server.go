// Package httpapi is the agent's HTTP surface for a thin UI.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ivan/internal/api"
	"github.com/example/ivan/internal/dispatch"
	"github.com/example/ivan/internal/eta"
	"github.com/example/ivan/internal/geo"
	"github.com/example/ivan/internal/logging"
	"github.com/example/ivan/internal/mapstate"
	"github.com/example/ivan/internal/models"
	"github.com/example/ivan/internal/orders"
	"github.com/example/ivan/internal/push"
	"github.com/example/ivan/internal/reconciler"
	"github.com/example/ivan/internal/stations"
	"github.com/example/ivan/internal/tickets"
	"github.com/example/ivan/internal/tracking"
)

// Deps are the components the routes drive. Stations and Orders are
// optional.
type Deps struct {
	Map      *mapstate.State
	Tickets  *tickets.Board
	Orders   *orders.Book
	Prompts  *reconciler.Reconciler
	Push     *push.Router
	Tracking *tracking.Service
	Stations *stations.Finder
	Hub      *dispatch.Hub
}

type Server struct {
	Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(d Deps, logger *slog.Logger) *Server {
	s := &Server{Deps: d, logger: logging.Component(logger, "httpapi"), mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	a := s.mux.PathPrefix("/api").Subrouter()
	a.HandleFunc("/map", s.handleMap).Methods(http.MethodGet)
	a.HandleFunc("/location", s.handleLocation).Methods(http.MethodPost)
	a.HandleFunc("/tickets", s.handleTickets).Methods(http.MethodGet)
	a.HandleFunc("/tickets/{id}/{action:reject|confirm|collect}", s.handleTicketAction).Methods(http.MethodPost)
	a.HandleFunc("/orders", s.handleOrders).Methods(http.MethodGet)
	a.HandleFunc("/prompt", s.handlePrompt).Methods(http.MethodGet)
	a.HandleFunc("/prompt/{answer:accept|deny}", s.handlePromptAnswer).Methods(http.MethodPost)
	a.Handle("/notifications", s.Push.Webhook()).Methods(http.MethodPost)
	a.HandleFunc("/stations/nearby", s.handleNearby).Methods(http.MethodGet)
	a.HandleFunc("/track", s.handleTrackStatus).Methods(http.MethodGet)
	a.HandleFunc("/track/{ticketId}", s.handleTrackOpen).Methods(http.MethodPost)
	a.HandleFunc("/track", s.handleTrackClose).Methods(http.MethodDelete)

	s.mux.Handle("/ws", s.Hub)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleMap(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Map.Snapshot())
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var c models.Coord
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid location body")
		return
	}
	if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		writeError(w, http.StatusBadRequest, "coordinate out of range")
		return
	}
	s.Map.SetDriverLocation(c)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTickets(w http.ResponseWriter, r *http.Request) {
	v, err := s.Tickets.Refresh(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type ticketActionBody struct {
	IDs []models.ID `json:"ids"`
}

// handleTicketAction acts on the ticket in the path plus any ids in the
// optional body, the way a group collect is sent.
func (s *Server) handleTicketAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ids := []models.ID{models.ID(vars["id"])}
	if r.ContentLength > 0 {
		var body ticketActionBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		for _, id := range body.IDs {
			if id != ids[0] {
				ids = append(ids, id)
			}
		}
	}
	action := models.TicketAction(vars["action"])

	v, err := s.Tickets.Perform(r.Context(), action, ids...)
	if errors.Is(err, tickets.ErrStaleView) {
		if _, err = s.Tickets.Refresh(r.Context()); err == nil {
			v, err = s.Tickets.Perform(r.Context(), action, ids...)
		}
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if s.Orders == nil {
		writeError(w, http.StatusNotFound, "orders unavailable")
		return
	}
	list, err := s.Orders.List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	p, ok := s.Prompts.Pending()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePromptAnswer(w http.ResponseWriter, r *http.Request) {
	var err error
	switch mux.Vars(r)["answer"] {
	case "accept":
		err = s.Prompts.Accept(r.Context())
	default:
		err = s.Prompts.Deny(r.Context())
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Map.Snapshot())
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	if s.Stations == nil {
		writeError(w, http.StatusNotFound, "stations unavailable")
		return
	}
	q := r.URL.Query()
	var p models.Coord
	if q.Has("lat") || q.Has("lon") {
		lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
		lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
		if err1 != nil || err2 != nil {
			writeError(w, http.StatusBadRequest, "lat and lon must be numbers")
			return
		}
		p = models.Coord{Lat: lat, Lon: lon}
	} else {
		c, ok := s.Map.CurrentLocation()
		if !ok {
			s.fail(w, geo.ErrLocationUnavailable)
			return
		}
		p = c
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	out, err := s.Stations.Nearby(r.Context(), p, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type trackResponse struct {
	tracking.Session
	ETA *eta.Estimate  `json:"eta,omitempty"`
	Map models.MapData `json:"map"`
}

func (s *Server) trackState(r *http.Request, sess tracking.Session) trackResponse {
	out := trackResponse{Session: sess, Map: s.Tracking.State().Snapshot()}
	if e, err := s.Tracking.ETA(r.Context()); err == nil {
		out.ETA = &e
	}
	return out
}

func (s *Server) handleTrackOpen(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Tracking.Open(r.Context(), models.ID(mux.Vars(r)["ticketId"]))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.trackState(r, sess))
}

func (s *Server) handleTrackStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.Tracking.Current()
	if !ok {
		s.fail(w, tracking.ErrNotTracking)
		return
	}
	writeJSON(w, http.StatusOK, s.trackState(r, sess))
}

func (s *Server) handleTrackClose(w http.ResponseWriter, r *http.Request) {
	if err := s.Tracking.Close(); err != nil {
		s.logger.Warn("closing tracking view", "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorBody struct {
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors,omitempty"`
}

// fail maps a domain error onto a status and the message a UI alert shows.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var ae *api.APIError
	switch {
	case errors.As(err, &ae):
		writeJSON(w, ae.Status, errorBody{Message: api.FirstMessage(err), Errors: api.FieldErrors(err)})
		return
	case api.IsNetwork(err):
		writeError(w, http.StatusBadGateway, api.FirstMessage(err))
	case errors.Is(err, tickets.ErrActionInFlight), errors.Is(err, orders.ErrActionInFlight), errors.Is(err, reconciler.ErrAnswerInFlight):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, tickets.ErrActionNotAllowed), errors.Is(err, tickets.ErrStaleView), errors.Is(err, tickets.ErrDetached):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, geo.ErrLocationUnavailable):
		writeError(w, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, reconciler.ErrNoPrompt), errors.Is(err, tracking.ErrNotTracking):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, tracking.ErrNoDriver):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
