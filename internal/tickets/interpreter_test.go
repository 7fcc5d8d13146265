package tickets

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/example/ivan/internal/models"
)

var pickup = &models.Station{ID: "1", Name: "Tahrir", Lat: 30.000, Lon: 31.000}

func north(c models.Coord, meters float64) models.Coord {
	return models.Coord{Lat: c.Lat + meters/111320, Lon: c.Lon}
}

func list(statuses ...models.TicketStatus) models.TicketList {
	l := models.TicketList{PickUpStation: pickup}
	for i, s := range statuses {
		l.Tickets = append(l.Tickets, models.Ticket{ID: models.ID(strconv.Itoa(i + 1)), Status: s})
	}
	return l
}

func TestCollectOfferedWhenAllConfirmed(t *testing.T) {
	at := pickup.Coord()
	v := Interpret(list(models.TicketConfirmed, models.TicketConfirmed), &at, 100)
	assert.True(t, v.AllConfirmed)
	for _, tv := range v.Tickets {
		assert.Equal(t, []models.TicketAction{models.TicketReject, models.TicketCollect}, tv.Actions)
	}
}

func TestNoCollectWhileAnyIssued(t *testing.T) {
	at := pickup.Coord()
	v := Interpret(list(models.TicketConfirmed, models.TicketIssued, models.TicketConfirmed), &at, 100)
	assert.False(t, v.GroupPastIssued)
	for _, tv := range v.Tickets {
		assert.False(t, tv.Allows(models.TicketCollect), "ticket %s", tv.ID)
		assert.True(t, tv.Allows(models.TicketReject))
	}
}

func TestCollectIgnoresTerminalTickets(t *testing.T) {
	v := Interpret(list(models.TicketConfirmed, models.TicketRejected, models.TicketCollected), nil, 100)
	assert.True(t, v.Tickets[0].Allows(models.TicketCollect))
	assert.Empty(t, v.Tickets[1].Actions)
	assert.Empty(t, v.Tickets[2].Actions)
}

func TestConfirmBoardingProximity(t *testing.T) {
	cases := []struct {
		name    string
		offset  float64
		offered bool
	}{
		{"at station", 0, true},
		{"90m away", 90, true},
		{"150m away", 150, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			at := north(pickup.Coord(), tc.offset)
			v := Interpret(list(models.TicketIssued), &at, 100)
			assert.Equal(t, tc.offered, v.Tickets[0].Allows(models.TicketConfirm))
			assert.True(t, v.Tickets[0].Allows(models.TicketReject))
			assert.False(t, v.Tickets[0].Allows(models.TicketCollect))
		})
	}
}

func TestConfirmNeedsLocationAndStation(t *testing.T) {
	v := Interpret(list(models.TicketIssued), nil, 100)
	assert.False(t, v.LocationKnown)
	assert.Equal(t, -1.0, v.DistanceToPickup)
	assert.Equal(t, []models.TicketAction{models.TicketReject}, v.Tickets[0].Actions)

	noStation := list(models.TicketIssued)
	noStation.PickUpStation = nil
	at := models.Coord{Lat: 30, Lon: 31}
	v = Interpret(noStation, &at, 100)
	assert.False(t, v.NearPickup)
	assert.False(t, v.Tickets[0].Allows(models.TicketConfirm))
}

func TestUnknownStatusOffersNothing(t *testing.T) {
	assert.Nil(t, AllowedActions("lost", Gate{GroupPastIssued: true, NearPickup: true}))
	assert.Equal(t, "lost", StatusLabel("lost"))
	assert.Equal(t, "Ticket issued", StatusLabel(models.TicketIssued))
	assert.Equal(t, "Boarding confirmed", StatusLabel(models.TicketConfirmed))
}

func TestAllConfirmedEmpty(t *testing.T) {
	assert.False(t, AllConfirmed(nil))
	assert.True(t, GroupPastIssued(nil))
}
