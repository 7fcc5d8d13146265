package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/example/ivan/internal/models"
)

func (c *Client) Login(ctx context.Context, mobile, password string) (models.AuthResponse, error) {
	var out models.AuthResponse
	err := c.do(ctx, "login", http.MethodPost, "login", map[string]string{"mobile": mobile, "password": password}, &out)
	return out, err
}

func (c *Client) Register(ctx context.Context, name, mobile, password string) (models.AuthResponse, error) {
	var out models.AuthResponse
	body := map[string]string{"mobile": mobile, "password": password, "name": name}
	err := c.do(ctx, "register", http.MethodPost, "register", body, &out)
	return out, err
}

func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, "logout", http.MethodPost, "logout", nil, nil)
}

// UpdateProfile sends only the non-empty fields.
func (c *Client) UpdateProfile(ctx context.Context, name, password string) (models.Profile, error) {
	body := map[string]string{}
	if name != "" {
		body["name"] = name
	}
	if password != "" {
		body["password"] = password
	}
	var out models.Profile
	err := c.do(ctx, "profile", http.MethodPut, "profile", body, &out)
	return out, err
}

func (c *Client) RegisterDevice(ctx context.Context, token string) error {
	return c.do(ctx, "device", http.MethodPost, "device", map[string]string{"token": token}, nil)
}

func (c *Client) Orders(ctx context.Context) ([]models.Order, error) {
	var out []models.Order
	err := c.do(ctx, "orders", http.MethodGet, "orders", nil, &out)
	return out, err
}

func (c *Client) Checkout(ctx context.Context, routeID models.ID, seats int) (models.Order, error) {
	body := struct {
		RouteID models.ID `json:"routeId"`
		Seats   int       `json:"seats"`
	}{routeID, seats}
	var out models.Order
	err := c.do(ctx, "checkout", http.MethodPost, "checkout", body, &out)
	return out, err
}

func (c *Client) OrderAction(ctx context.Context, id models.ID, action models.OrderAction) error {
	path := "orders/" + url.PathEscape(id.String()) + "/" + string(action)
	return c.do(ctx, "orders_"+string(action), http.MethodPost, path, nil, nil)
}

func (c *Client) AcceptOrder(ctx context.Context, id models.ID) error {
	return c.OrderAction(ctx, id, models.OrderAccept)
}

func (c *Client) DenyOrder(ctx context.Context, id models.ID) error {
	return c.OrderAction(ctx, id, models.OrderDeny)
}

func (c *Client) IgnoreOrder(ctx context.Context, id models.ID) error {
	return c.OrderAction(ctx, id, models.OrderIgnore)
}

// NextRoute returns nil when the driver has no upcoming route; the backend
// answers with an empty object in that case.
func (c *Client) NextRoute(ctx context.Context) (*models.Route, error) {
	var out models.Route
	if err := c.do(ctx, "routes_next", http.MethodGet, "routes/next", nil, &out); err != nil {
		return nil, err
	}
	if out.Empty() {
		return nil, nil
	}
	return &out, nil
}

func (c *Client) PickupStations(ctx context.Context) ([]models.Station, error) {
	var out []models.Station
	err := c.do(ctx, "stations", http.MethodGet, "stations?type=pickup", nil, &out)
	return out, err
}

func (c *Client) StationRoutes(ctx context.Context, stationID models.ID) ([]models.Route, error) {
	var out []models.Route
	err := c.do(ctx, "station_routes", http.MethodGet, "stations/stopRoutes/"+url.PathEscape(stationID.String()), nil, &out)
	return out, err
}

func (c *Client) Ticket(ctx context.Context, id models.ID) (models.Ticket, error) {
	var out models.Ticket
	err := c.do(ctx, "ticket", http.MethodGet, "tickets/"+url.PathEscape(id.String()), nil, &out)
	return out, err
}

func (c *Client) CancelTicket(ctx context.Context, id models.ID) error {
	return c.do(ctx, "ticket_cancel", http.MethodPost, "tickets/cancel/"+url.PathEscape(id.String()), nil, nil)
}

func (c *Client) Tickets(ctx context.Context) (models.TicketList, error) {
	var out models.TicketList
	err := c.do(ctx, "tickets", http.MethodGet, "tickets", nil, &out)
	return out, err
}

// TicketAction applies reject, confirm or collect to the given tickets.
func (c *Client) TicketAction(ctx context.Context, action models.TicketAction, ids ...models.ID) error {
	body := struct {
		Tickets []models.ID `json:"tickets"`
	}{ids}
	return c.do(ctx, "tickets_"+string(action), http.MethodPost, "tickets/"+string(action), body, nil)
}

func (c *Client) Tracking(ctx context.Context, ticketID models.ID) (models.TrackingInfo, error) {
	var out models.TrackingInfo
	err := c.do(ctx, "tracking", http.MethodGet, "tickets/"+url.PathEscape(ticketID.String())+"/tracking", nil, &out)
	return out, err
}

func (c *Client) Activate(ctx context.Context) (models.DriverStatus, error) {
	var out models.DriverStatus
	err := c.do(ctx, "activate", http.MethodPost, "activate", nil, &out)
	return out, err
}

func (c *Client) Deactivate(ctx context.Context) (models.DriverStatus, error) {
	var out models.DriverStatus
	err := c.do(ctx, "deactivate", http.MethodPost, "deactivate", nil, &out)
	return out, err
}

func (c *Client) ResetState(ctx context.Context) (models.DriverStatus, error) {
	var out models.DriverStatus
	err := c.do(ctx, "reset_state", http.MethodPost, "resetState", nil, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context) (models.DriverStatus, error) {
	var out models.DriverStatus
	err := c.do(ctx, "status", http.MethodGet, "status", nil, &out)
	return out, err
}
