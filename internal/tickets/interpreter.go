// Package tickets turns the driver's ticket list into the actions that may be
// offered right now, and runs those actions against the backend.
package tickets

import (
	"github.com/example/ivan/internal/geo"
	"github.com/example/ivan/internal/models"
)

// Gate is the group-level and proximity context an individual ticket's
// actions depend on.
type Gate struct {
	// GroupPastIssued is true when no ticket in the set is still issued.
	GroupPastIssued bool
	// NearPickup is true when the pickup station and the current location
	// are both known and within the boarding radius of each other.
	NearPickup bool
}

// AllowedActions maps a ticket status and its gate to the actions on offer.
// Reject comes first when present.
func AllowedActions(status models.TicketStatus, g Gate) []models.TicketAction {
	switch status {
	case models.TicketIssued:
		if g.NearPickup {
			return []models.TicketAction{models.TicketReject, models.TicketConfirm}
		}
		return []models.TicketAction{models.TicketReject}
	case models.TicketConfirmed:
		if g.GroupPastIssued {
			return []models.TicketAction{models.TicketReject, models.TicketCollect}
		}
		return []models.TicketAction{models.TicketReject}
	default:
		return nil
	}
}

func GroupPastIssued(ts []models.Ticket) bool {
	for _, t := range ts {
		if t.Status == models.TicketIssued {
			return false
		}
	}
	return true
}

// AllConfirmed is false for an empty set.
func AllConfirmed(ts []models.Ticket) bool {
	if len(ts) == 0 {
		return false
	}
	for _, t := range ts {
		if t.Status != models.TicketConfirmed {
			return false
		}
	}
	return true
}

var statusLabels = map[models.TicketStatus]string{
	models.TicketIssued:    "Ticket issued",
	models.TicketConfirmed: "Boarding confirmed",
	models.TicketCollected: "Alighted",
	models.TicketRejected:  "Rejected",
}

// StatusLabel falls back to the raw status for anything unrecognised.
func StatusLabel(s models.TicketStatus) string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return string(s)
}

type TicketView struct {
	models.Ticket
	Label   string                `json:"label"`
	Actions []models.TicketAction `json:"actions"`
}

func (v TicketView) Allows(a models.TicketAction) bool {
	for _, x := range v.Actions {
		if x == a {
			return true
		}
	}
	return false
}

type View struct {
	Tickets         []TicketView    `json:"tickets"`
	PickUpStation   *models.Station `json:"pickUpStation,omitempty"`
	AllConfirmed    bool            `json:"all_confirmed"`
	GroupPastIssued bool            `json:"group_past_issued"`
	LocationKnown   bool            `json:"location_known"`
	// DistanceToPickup is meters from the current location to the pickup
	// station; negative when either is unknown.
	DistanceToPickup float64 `json:"distance_to_pickup"`
	NearPickup       bool    `json:"near_pickup"`
}

func (v View) Find(id models.ID) (TicketView, bool) {
	for _, t := range v.Tickets {
		if t.ID == id {
			return t, true
		}
	}
	return TicketView{}, false
}

// Interpret derives the view for a ticket list. current is nil when the
// device location is not known; boarding is never offered in that case.
func Interpret(list models.TicketList, current *models.Coord, boardingRadius float64) View {
	v := View{
		PickUpStation:    list.PickUpStation,
		AllConfirmed:     AllConfirmed(list.Tickets),
		GroupPastIssued:  GroupPastIssued(list.Tickets),
		LocationKnown:    current != nil,
		DistanceToPickup: -1,
	}
	if current != nil && list.PickUpStation != nil {
		v.DistanceToPickup = geo.DistanceMeters(*current, list.PickUpStation.Coord())
		v.NearPickup = v.DistanceToPickup <= boardingRadius
	}
	g := Gate{GroupPastIssued: v.GroupPastIssued, NearPickup: v.NearPickup}
	v.Tickets = make([]TicketView, 0, len(list.Tickets))
	for _, t := range list.Tickets {
		v.Tickets = append(v.Tickets, TicketView{
			Ticket:  t,
			Label:   StatusLabel(t.Status),
			Actions: AllowedActions(t.Status, g),
		})
	}
	return v
}
