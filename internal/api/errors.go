package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// ErrorData is the body of a non-2xx response. The backend sends field
// validation errors as an object keyed by input name and other failures as
// a plain list, both under "errors".
type ErrorData struct {
	Message string              `json:"message,omitempty"`
	Fields  map[string][]string `json:"fields,omitempty"`
	Errors  []string            `json:"errors,omitempty"`
}

func (d *ErrorData) UnmarshalJSON(b []byte) error {
	var raw struct {
		Message string          `json:"message"`
		Errors  json.RawMessage `json:"errors"`
		Fields  json.RawMessage `json:"fields"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	d.Message = raw.Message
	for _, blob := range []json.RawMessage{raw.Errors, raw.Fields} {
		if len(blob) == 0 || string(blob) == "null" {
			continue
		}
		var fields map[string][]string
		if err := json.Unmarshal(blob, &fields); err == nil {
			if d.Fields == nil {
				d.Fields = make(map[string][]string, len(fields))
			}
			for k, v := range fields {
				d.Fields[k] = append(d.Fields[k], v...)
			}
			continue
		}
		var list []string
		if err := json.Unmarshal(blob, &list); err == nil {
			d.Errors = append(d.Errors, list...)
		}
	}
	return nil
}

// APIError is the normalized form of any non-2xx response.
type APIError struct {
	Status   int       `json:"status"`
	Data     ErrorData `json:"data"`
	Endpoint string    `json:"-"`
}

func (e *APIError) Error() string {
	msg := e.Data.first()
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Endpoint, e.Status, msg)
}

func (d ErrorData) first() string {
	if len(d.Errors) > 0 {
		return d.Errors[0]
	}
	if d.Message != "" {
		return d.Message
	}
	if len(d.Fields) > 0 {
		keys := make([]string, 0, len(d.Fields))
		for k := range d.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if len(d.Fields[k]) > 0 {
				return d.Fields[k][0]
			}
		}
	}
	return ""
}

// NetworkError wraps a transport failure. The client never retries; callers
// surface it as a retry-suggesting alert.
type NetworkError struct {
	Endpoint string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Endpoint, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func IsUnauthorized(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusUnauthorized
}

// IsValidation reports a request rejected with field-level messages.
func IsValidation(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Status == http.StatusUnprocessableEntity || len(ae.Data.Fields) > 0
}

func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// FieldErrors returns validation messages keyed by input name.
func FieldErrors(err error) map[string][]string {
	var ae *APIError
	if !errors.As(err, &ae) {
		return nil
	}
	return ae.Data.Fields
}

// FirstMessage picks the message a UI alert should show for err.
func FirstMessage(err error) string {
	if err == nil {
		return ""
	}
	var ae *APIError
	if errors.As(err, &ae) {
		if m := ae.Data.first(); m != "" {
			return m
		}
		return http.StatusText(ae.Status)
	}
	if IsNetwork(err) {
		return "Network error, please check your connection and try again."
	}
	return strings.TrimSpace(err.Error())
}
