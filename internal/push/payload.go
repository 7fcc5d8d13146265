// Package push decodes inbound push notifications and routes every one of
// them, however it arrived, through a single handler.
package push

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/example/ivan/internal/models"
)

// TypeDriverSelection asks the rider to accept or deny an assigned driver.
const TypeDriverSelection = "driver_selection"

// Origin is how the notification reached the app.
type Origin string

const (
	OriginForeground Origin = "foreground"
	OriginOpened     Origin = "opened"
	OriginInitial    Origin = "initial"
)

func ParseOrigin(s string) (Origin, error) {
	switch o := Origin(strings.ToLower(strings.TrimSpace(s))); o {
	case "":
		return OriginForeground, nil
	case OriginForeground, OriginOpened, OriginInitial:
		return o, nil
	default:
		return "", fmt.Errorf("push: unknown origin %q", s)
	}
}

var ErrMalformed = errors.New("push: malformed payload")

// Message is a decoded notification. Station is nil unless the payload
// carried a usable coordinate.
type Message struct {
	Type      string
	Title     string
	Body      string
	OrderID   models.ID
	Station   *models.StationMarker
	Data      map[string]string
	MessageID string
}

type rawMessage struct {
	MessageID    string                     `json:"messageId"`
	Data         map[string]json.RawMessage `json:"data"`
	Notification *struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	} `json:"notification"`
}

// Decode reads an FCM-style remote message. Data values arrive as strings
// from FCM but numbers and nested JSON are tolerated.
func Decode(b []byte) (Message, error) {
	var raw rawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	m := Message{MessageID: raw.MessageID, Data: make(map[string]string, len(raw.Data))}
	for k, v := range raw.Data {
		m.Data[k] = flatten(v)
	}
	if raw.Notification != nil {
		m.Title = raw.Notification.Title
		m.Body = raw.Notification.Body
	}
	m.Type = m.Data["type"]
	m.OrderID = models.ID(firstOf(m.Data, "order_id", "orderId"))

	st, err := stationOf(m.Data)
	if err != nil {
		return Message{}, err
	}
	m.Station = st
	return m, nil
}

func stationOf(d map[string]string) (*models.StationMarker, error) {
	latS := firstOf(d, "station_latitude", "stationLatitude")
	lonS := firstOf(d, "station_longitude", "stationLongitude")
	if latS == "" || lonS == "" {
		return nil, nil
	}
	lat, err := strconv.ParseFloat(latS, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: station latitude %q", ErrMalformed, latS)
	}
	lon, err := strconv.ParseFloat(lonS, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: station longitude %q", ErrMalformed, lonS)
	}
	st := &models.StationMarker{
		Name:     firstOf(d, "station_name", "stationName"),
		Location: models.Coord{Lat: lat, Lon: lon},
	}
	if wp := d["waypoints"]; wp != "" {
		if err := json.Unmarshal([]byte(wp), &st.Waypoints); err != nil {
			return nil, fmt.Errorf("%w: waypoints: %v", ErrMalformed, err)
		}
	}
	return st, nil
}

func firstOf(d map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := d[k]; v != "" {
			return v
		}
	}
	return ""
}

func flatten(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	if string(v) == "null" {
		return ""
	}
	return string(v)
}
