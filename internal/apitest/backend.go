// Package apitest is an in-memory stand-in for the REST backend, routed with
// gorilla/mux and served through httptest. Tests across the module drive the
// real api.Client against it.
package apitest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/mux"

	"github.com/example/ivan/internal/models"
)

// Call is one request the backend received.
type Call struct {
	Method        string
	Path          string
	Authorization string
	Body          map[string]any
}

type Backend struct {
	Server *httptest.Server

	mu            sync.Mutex
	Users         map[string]User // by mobile
	tokens        map[string]string
	Orders        []models.Order
	TicketList    models.TicketList
	Stations      []models.Station
	Routes        map[models.ID][]models.Route
	Next          *models.Route
	TrackingInfo  map[models.ID]models.TrackingInfo
	Active        bool
	Devices       []string
	Calls         []Call
	nextOrderID   int
	Unauthorized  bool
	FailActions   map[string]int // path suffix -> status to answer with
	TicketActions []TicketActionCall
}

type User struct {
	Name     string
	Mobile   string
	Password string
}

type TicketActionCall struct {
	Action string
	IDs    []models.ID
}

func New() *Backend {
	b := &Backend{
		Users:        make(map[string]User),
		tokens:       make(map[string]string),
		Routes:       make(map[models.ID][]models.Route),
		TrackingInfo: make(map[models.ID]models.TrackingInfo),
		FailActions:  make(map[string]int),
		nextOrderID:  100,
	}
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/login", b.login).Methods(http.MethodPost)
	api.HandleFunc("/register", b.register).Methods(http.MethodPost)
	api.HandleFunc("/logout", b.authed(b.ack)).Methods(http.MethodPost)
	api.HandleFunc("/profile", b.authed(b.profile)).Methods(http.MethodPut)
	api.HandleFunc("/device", b.authed(b.device)).Methods(http.MethodPost)
	api.HandleFunc("/orders", b.authed(b.orders)).Methods(http.MethodGet)
	api.HandleFunc("/checkout", b.authed(b.checkout)).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}/{action:accept|deny|ignore}", b.authed(b.orderAction)).Methods(http.MethodPost)
	api.HandleFunc("/routes/next", b.authed(b.nextRoute)).Methods(http.MethodGet)
	api.HandleFunc("/stations", b.authed(b.stations)).Methods(http.MethodGet)
	api.HandleFunc("/stations/stopRoutes/{id}", b.authed(b.stationRoutes)).Methods(http.MethodGet)
	api.HandleFunc("/tickets", b.authed(b.tickets)).Methods(http.MethodGet)
	api.HandleFunc("/tickets/{action:reject|confirm|collect}", b.authed(b.ticketAction)).Methods(http.MethodPost)
	api.HandleFunc("/tickets/cancel/{id}", b.authed(b.cancelTicket)).Methods(http.MethodPost)
	api.HandleFunc("/tickets/{id}/tracking", b.authed(b.tracking)).Methods(http.MethodGet)
	api.HandleFunc("/tickets/{id}", b.authed(b.ticket)).Methods(http.MethodGet)
	api.HandleFunc("/{op:activate|deactivate|resetState}", b.authed(b.status)).Methods(http.MethodPost)
	api.HandleFunc("/status", b.authed(b.status)).Methods(http.MethodGet)
	r.Use(b.record)
	b.Server = httptest.NewServer(r)
	return b
}

// APIBase is the root an api.Client should be built with.
func (b *Backend) APIBase() string { return b.Server.URL + "/api/v1/" }

func (b *Backend) Close() { b.Server.Close() }

func (b *Backend) AddUser(name, mobile, password string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Users[mobile] = User{Name: name, Mobile: mobile, Password: password}
}

// IssueToken registers a user if needed and returns a valid bearer token,
// for tests that start from a signed-in state.
func (b *Backend) IssueToken(mobile string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.Users[mobile]; !ok {
		b.Users[mobile] = User{Name: "user " + mobile, Mobile: mobile, Password: "secret"}
	}
	return b.issue(mobile)
}

// SetUnauthorized makes every authenticated endpoint answer 401.
func (b *Backend) SetUnauthorized(v bool) {
	b.mu.Lock()
	b.Unauthorized = v
	b.mu.Unlock()
}

func (b *Backend) SetTickets(l models.TicketList) {
	b.mu.Lock()
	b.TicketList = l
	b.mu.Unlock()
}

func (b *Backend) SetTicketStatus(id models.ID, st models.TicketStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.TicketList.Tickets {
		if b.TicketList.Tickets[i].ID == id {
			b.TicketList.Tickets[i].Status = st
		}
	}
}

func (b *Backend) SetNextRoute(r *models.Route) {
	b.mu.Lock()
	b.Next = r
	b.mu.Unlock()
}

func (b *Backend) SetStations(stations []models.Station, routes map[models.ID][]models.Route) {
	b.mu.Lock()
	b.Stations = stations
	if routes != nil {
		b.Routes = routes
	}
	b.mu.Unlock()
}

func (b *Backend) SetTracking(ticketID models.ID, info models.TrackingInfo) {
	b.mu.Lock()
	b.TrackingInfo[ticketID] = info
	b.mu.Unlock()
}

func (b *Backend) AddOrder(o models.Order) {
	b.mu.Lock()
	b.Orders = append(b.Orders, o)
	b.mu.Unlock()
}

func (b *Backend) DeviceTokens() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.Devices...)
}

func (b *Backend) FailPath(suffix string, status int) {
	b.mu.Lock()
	b.FailActions[suffix] = status
	b.mu.Unlock()
}

func (b *Backend) CallsTo(path string) []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Call
	for _, c := range b.Calls {
		if c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

func (b *Backend) AllCalls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.Calls...)
}

func (b *Backend) TicketActionCalls() []TicketActionCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]TicketActionCall(nil), b.TicketActions...)
}

func (b *Backend) OrderByID(id models.ID) (models.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, o := range b.Orders {
		if o.ID == id {
			return o, true
		}
	}
	return models.Order{}, false
}

func (b *Backend) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := Call{Method: r.Method, Path: strings.TrimPrefix(r.URL.Path, "/api/v1/"), Authorization: r.Header.Get("Authorization")}
		if r.Body != nil && r.ContentLength != 0 {
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
				c.Body = body
			}
		}
		b.mu.Lock()
		b.Calls = append(b.Calls, c)
		b.mu.Unlock()
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), bodyKey{}, c.Body)))
	})
}

type bodyKey struct{}

func bodyOf(r *http.Request) map[string]any {
	body, _ := r.Context().Value(bodyKey{}).(map[string]any)
	return body
}

func (b *Backend) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		unauthorized := b.Unauthorized
		_, known := b.tokens[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]
		fail, failing := 0, false
		for suffix, st := range b.FailActions {
			if strings.HasSuffix(r.URL.Path, suffix) {
				fail, failing = st, true
			}
		}
		b.mu.Unlock()
		if unauthorized || !known {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "Unauthenticated."})
			return
		}
		if failing {
			writeJSON(w, fail, map[string]any{"message": "failed", "errors": []string{"Action failed"}})
			return
		}
		h(w, r)
	}
}

func (b *Backend) issue(mobile string) string {
	tok := "tok-" + mobile + "-" + strconv.Itoa(len(b.tokens)+1)
	b.tokens[tok] = mobile
	return tok
}

func (b *Backend) login(w http.ResponseWriter, r *http.Request) {
	body := bodyOf(r)
	mobile, _ := body["mobile"].(string)
	password, _ := body["password"].(string)
	b.mu.Lock()
	u, ok := b.Users[mobile]
	if !ok || u.Password != password {
		b.mu.Unlock()
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"message": "The given data was invalid.",
			"errors":  map[string][]string{"mobile": {"These credentials do not match our records."}},
		})
		return
	}
	tok := b.issue(mobile)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, models.AuthResponse{AccessToken: tok, Profile: models.Profile{ID: "1", Name: u.Name, Mobile: u.Mobile}})
}

func (b *Backend) register(w http.ResponseWriter, r *http.Request) {
	body := bodyOf(r)
	name, _ := body["name"].(string)
	mobile, _ := body["mobile"].(string)
	password, _ := body["password"].(string)
	b.mu.Lock()
	if _, exists := b.Users[mobile]; exists {
		b.mu.Unlock()
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"errors": map[string][]string{"mobile": {"The mobile has already been taken."}},
		})
		return
	}
	b.Users[mobile] = User{Name: name, Mobile: mobile, Password: password}
	tok := b.issue(mobile)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, models.AuthResponse{AccessToken: tok, Profile: models.Profile{ID: "2", Name: name, Mobile: mobile}})
}

func (b *Backend) ack(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"message": "ok"})
}

func (b *Backend) profile(w http.ResponseWriter, r *http.Request) {
	body := bodyOf(r)
	name, _ := body["name"].(string)
	writeJSON(w, http.StatusOK, models.Profile{ID: "1", Name: name})
}

func (b *Backend) device(w http.ResponseWriter, r *http.Request) {
	body := bodyOf(r)
	tok, _ := body["token"].(string)
	b.mu.Lock()
	b.Devices = append(b.Devices, tok)
	b.mu.Unlock()
	b.ack(w, r)
}

func (b *Backend) orders(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	out := append([]models.Order{}, b.Orders...)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (b *Backend) checkout(w http.ResponseWriter, r *http.Request) {
	body := bodyOf(r)
	seats, _ := body["seats"].(float64)
	routeID := ""
	switch v := body["routeId"].(type) {
	case float64:
		routeID = strconv.FormatInt(int64(v), 10)
	case string:
		routeID = v
	}
	if seats <= 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"errors": map[string][]string{"seats": {"The seats must be at least 1."}}})
		return
	}
	b.mu.Lock()
	b.nextOrderID++
	o := models.Order{ID: models.ID(strconv.Itoa(b.nextOrderID)), Status: models.OrderPending, RouteID: models.ID(routeID), Seats: int(seats)}
	b.Orders = append(b.Orders, o)
	b.mu.Unlock()
	writeJSON(w, http.StatusCreated, o)
}

func (b *Backend) orderAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	status := map[string]models.OrderStatus{"accept": models.OrderAccepted, "deny": models.OrderDenied, "ignore": models.OrderIgnored}[vars["action"]]
	b.mu.Lock()
	found := false
	for i := range b.Orders {
		if string(b.Orders[i].ID) == vars["id"] {
			b.Orders[i].Status = status
			found = true
		}
	}
	b.mu.Unlock()
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "Order not found."})
		return
	}
	b.ack(w, r)
}

func (b *Backend) nextRoute(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	next := b.Next
	b.mu.Unlock()
	if next == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func (b *Backend) stations(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	out := append([]models.Station{}, b.Stations...)
	b.mu.Unlock()
	if r.URL.Query().Get("type") != "pickup" {
		out = nil
	}
	writeJSON(w, http.StatusOK, out)
}

func (b *Backend) stationRoutes(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	out := b.Routes[models.ID(mux.Vars(r)["id"])]
	b.mu.Unlock()
	if out == nil {
		out = []models.Route{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (b *Backend) tickets(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	l := b.TicketList
	l.Tickets = append([]models.Ticket{}, l.Tickets...)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, l)
}

func (b *Backend) ticketAction(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	body := bodyOf(r)
	var ids []models.ID
	if raw, ok := body["tickets"].([]any); ok {
		for _, v := range raw {
			switch id := v.(type) {
			case float64:
				ids = append(ids, models.ID(strconv.FormatInt(int64(id), 10)))
			case string:
				ids = append(ids, models.ID(id))
			}
		}
	}
	next := map[string]models.TicketStatus{"reject": models.TicketRejected, "confirm": models.TicketConfirmed, "collect": models.TicketCollected}[action]
	b.mu.Lock()
	b.TicketActions = append(b.TicketActions, TicketActionCall{Action: action, IDs: ids})
	for _, id := range ids {
		for i := range b.TicketList.Tickets {
			if b.TicketList.Tickets[i].ID == id {
				b.TicketList.Tickets[i].Status = next
			}
		}
	}
	b.mu.Unlock()
	b.ack(w, r)
}

func (b *Backend) ticket(w http.ResponseWriter, r *http.Request) {
	id := models.ID(mux.Vars(r)["id"])
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.TicketList.Tickets {
		if t.ID == id {
			writeJSON(w, http.StatusOK, t)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]any{"message": "Ticket not found."})
}

func (b *Backend) cancelTicket(w http.ResponseWriter, r *http.Request) {
	id := models.ID(mux.Vars(r)["id"])
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.TicketList.Tickets {
		t := &b.TicketList.Tickets[i]
		if t.ID != id {
			continue
		}
		if t.Status != models.TicketIssued {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"errors": []string{"Ticket can no longer be cancelled."}})
			return
		}
		t.Status = models.TicketRejected
		writeJSON(w, http.StatusOK, map[string]any{"message": "ok"})
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]any{"errors": []string{"Ticket not found."}})
}

func (b *Backend) tracking(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	info, ok := b.TrackingInfo[models.ID(mux.Vars(r)["id"])]
	b.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"errors": []string{"No tracking available."}})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (b *Backend) status(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	switch mux.Vars(r)["op"] {
	case "activate":
		b.Active = true
	case "deactivate", "resetState":
		b.Active = false
	}
	st := models.DriverStatus{Active: b.Active}
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
