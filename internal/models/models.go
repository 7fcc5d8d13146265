package models

import "time"

// Coord is a WGS-84 point. The backend and the realtime channel both use
// latitude/longitude keys.
type Coord struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

type TicketStatus string

const (
	TicketIssued    TicketStatus = "issued"
	TicketConfirmed TicketStatus = "confirmed"
	TicketCollected TicketStatus = "collected"
	TicketRejected  TicketStatus = "rejected"
)

// Terminal reports whether no further transition is possible.
func (s TicketStatus) Terminal() bool {
	return s == TicketCollected || s == TicketRejected
}

// TicketAction is a driver-side mutation on a set of tickets.
type TicketAction string

const (
	TicketReject  TicketAction = "reject"
	TicketConfirm TicketAction = "confirm"
	TicketCollect TicketAction = "collect"
)

type Customer struct {
	Name string `json:"name"`
}

type Van struct {
	Model       string `json:"model"`
	PlateNumber string `json:"plate_number"`
}

type Driver struct {
	ID   ID     `json:"id,omitempty"`
	Name string `json:"name"`
	Van  Van    `json:"van"`
}

type Ticket struct {
	ID       ID           `json:"id"`
	Status   TicketStatus `json:"status"`
	Fare     float64      `json:"fare"`
	Seats    int          `json:"seats"`
	Customer Customer     `json:"customer"`
	Driver   Driver       `json:"driver"`
}

// TicketList is the driver's ticket set together with the station the
// group boards at.
type TicketList struct {
	Tickets       []Ticket `json:"tickets"`
	PickUpStation *Station `json:"pickUpStation,omitempty"`
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderProcessed OrderStatus = "processed"
	OrderAccepted  OrderStatus = "accepted"
	OrderDenied    OrderStatus = "denied"
	OrderIgnored   OrderStatus = "ignored"
)

// OrderAction is a one-shot driver decision on an order.
type OrderAction string

const (
	OrderAccept OrderAction = "accept"
	OrderDeny   OrderAction = "deny"
	OrderIgnore OrderAction = "ignore"
)

type Order struct {
	ID       ID          `json:"id"`
	Status   OrderStatus `json:"status"`
	RouteID  ID          `json:"route_id,omitempty"`
	Seats    int         `json:"seats,omitempty"`
	TicketID ID          `json:"ticket_id,omitempty"`
	Ticket   *Ticket     `json:"ticket,omitempty"`
}

type Station struct {
	ID        ID      `json:"id"`
	Name      string  `json:"name"`
	Lat       float64 `json:"latitude"`
	Lon       float64 `json:"longitude"`
	Waypoints []Coord `json:"waypoints,omitempty"`
}

func (s Station) Coord() Coord { return Coord{Lat: s.Lat, Lon: s.Lon} }

type Route struct {
	ID        ID      `json:"id"`
	ToStopID  ID      `json:"to_stop_id"`
	Fees      float64 `json:"fees"`
	Waypoints []Coord `json:"waypoints"`
	EndStop   Station `json:"end_stop"`
}

// Empty reports whether the backend answered with an empty object.
func (r Route) Empty() bool { return r.ID == "" && r.ToStopID == "" && r.EndStop.ID == "" }

type TrackingInfo struct {
	DriverID         ID      `json:"driverId"`
	DriverName       string  `json:"driverName"`
	DriverLatitude   float64 `json:"driverLatitude"`
	DriverLongitude  float64 `json:"driverLongitude"`
	StationLatitude  float64 `json:"stationLatitude"`
	StationLongitude float64 `json:"stationLongitude"`
}

func (t TrackingInfo) DriverCoord() Coord {
	return Coord{Lat: t.DriverLatitude, Lon: t.DriverLongitude}
}

func (t TrackingInfo) StationCoord() Coord {
	return Coord{Lat: t.StationLatitude, Lon: t.StationLongitude}
}

type Profile struct {
	ID     ID     `json:"id,omitempty"`
	Name   string `json:"name"`
	Mobile string `json:"mobile"`
	Type   string `json:"type,omitempty"`
}

type AuthResponse struct {
	AccessToken string  `json:"access_token"`
	Profile     Profile `json:"profile"`
}

type DriverStatus struct {
	Active bool `json:"active"`
}

// Delta is the map viewport span around a marker.
type Delta struct {
	Lat float64 `json:"latitudeDelta"`
	Lon float64 `json:"longitudeDelta"`
}

type DriverMarker struct {
	Location Coord `json:"location"`
	Delta    Delta `json:"delta"`
}

type StationMarker struct {
	Name      string  `json:"name"`
	Location  Coord   `json:"location"`
	Waypoints []Coord `json:"waypoints,omitempty"`
}

// MapData is transient view state. Station is set only while a route is in
// progress.
type MapData struct {
	Driver    *DriverMarker  `json:"driver,omitempty"`
	Station   *StationMarker `json:"station,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// CycleState is the reconciler state recorded for one ride-request cycle.
type CycleState string

const (
	CycleIdle     CycleState = "idle"
	CycleAwaiting CycleState = "awaiting_driver_prompt"
	CycleAccepted CycleState = "accepted"
	CycleDenied   CycleState = "denied"
)

// Decided reports whether the cycle has been answered by the rider.
func (s CycleState) Decided() bool { return s == CycleAccepted || s == CycleDenied }

// Cycle is one driver prompt round for an order, from the notification that
// opened it to the rider's answer.
type Cycle struct {
	ID          string     `json:"id"`
	OrderID     ID         `json:"order_id"`
	State       CycleState `json:"state"`
	StationName string     `json:"station_name,omitempty"`
	Station     Coord      `json:"station"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
