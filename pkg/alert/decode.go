package alert

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// UnexpectedShapeError reports a response body that matches none of the
// known alert shapes.
type UnexpectedShapeError struct {
	Reason string
	Err    error
}

func (e *UnexpectedShapeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unexpected alert response shape: %s: %v", e.Reason, e.Err)
	}
	return "unexpected alert response shape: " + e.Reason
}

func (e *UnexpectedShapeError) Unwrap() error {
	return e.Err
}

// lookupShape tags which form a single-alert lookup response took.
type lookupShape int

const (
	shapeUnknown lookupShape = iota
	shapeWrapped             // {"alerts": [ {...} ]}
	shapeBare                // {...}
)

func classifyLookup(fields map[string]json.RawMessage) lookupShape {
	if _, ok := fields["alerts"]; ok {
		return shapeWrapped
	}
	if _, ok := fields["alertId"]; ok {
		return shapeBare
	}
	return shapeUnknown
}

// DecodeLookup normalizes a single-alert lookup response, which the API
// returns either wrapped in a list of one or as a bare object.
func DecodeLookup(body []byte) (Alert, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return Alert{}, &UnexpectedShapeError{Reason: "not a JSON object", Err: err}
	}

	var a Alert
	switch classifyLookup(fields) {
	case shapeWrapped:
		var items []json.RawMessage
		if err := json.Unmarshal(fields["alerts"], &items); err != nil {
			return Alert{}, &UnexpectedShapeError{Reason: "alerts is not a list", Err: err}
		}
		if len(items) == 0 {
			return Alert{}, &UnexpectedShapeError{Reason: "empty alerts list"}
		}
		if err := json.Unmarshal(items[0], &a); err != nil {
			return Alert{}, &UnexpectedShapeError{Reason: "invalid wrapped alert", Err: err}
		}
	case shapeBare:
		if err := json.Unmarshal(body, &a); err != nil {
			return Alert{}, &UnexpectedShapeError{Reason: "invalid alert object", Err: err}
		}
	default:
		return Alert{}, &UnexpectedShapeError{Reason: "neither alerts list nor alert object"}
	}
	return a, nil
}

// ListPage is a decoded alert listing page.
type ListPage struct {
	Alerts       []Alert
	NextPage     string
	PreviousPage string

	// Skipped counts entries that could not be decoded.
	Skipped int
}

// DecodeListPage decodes an alert listing response. Entries that fail to
// decode are skipped and counted rather than failing the page.
func DecodeListPage(body []byte) (ListPage, error) {
	var wire struct {
		Alerts       []json.RawMessage `json:"alerts"`
		NextPage     string            `json:"nextPage"`
		PreviousPage string            `json:"previousPage"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return ListPage{}, &UnexpectedShapeError{Reason: "invalid listing", Err: err}
	}

	page := ListPage{
		Alerts:       make([]Alert, 0, len(wire.Alerts)),
		NextPage:     wire.NextPage,
		PreviousPage: wire.PreviousPage,
	}
	for _, raw := range wire.Alerts {
		var a Alert
		if err := json.Unmarshal(raw, &a); err != nil {
			page.Skipped++
			continue
		}
		page.Alerts = append(page.Alerts, a)
	}
	return page, nil
}

// CursorFromURL extracts the pagination cursor from a next/previous page URL.
// The cursor is the value of the first present parameter among keys.
func CursorFromURL(pageURL string, keys ...string) string {
	if pageURL == "" {
		return ""
	}
	u, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	q := u.Query()
	for _, k := range keys {
		if v := q.Get(k); v != "" {
			return v
		}
	}
	return ""
}
