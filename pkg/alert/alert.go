// Package alert defines the canonical alert record and normalizes the
// upstream API's response shapes into it.
package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"time"
)

// Alert is an immutable alert record as received from the upstream API.
type Alert struct {
	// ID is the upstream alertId and the deduplication key.
	ID string

	// Timestamp is the alertTimestamp (millisecond precision).
	Timestamp time.Time

	// Type is the category tag, e.g. "Flash", "Urgent" or "Alert".
	Type string

	// Headline is the alert title when the payload carries one.
	Headline string

	// Lists holds the ids of the alert lists this alert matched.
	Lists []string

	// Raw is the verbatim JSON payload.
	Raw json.RawMessage
}

// wireAlert is the subset of the upstream payload the client interprets.
type wireAlert struct {
	AlertID        string            `json:"alertId"`
	AlertTimestamp json.RawMessage   `json:"alertTimestamp"`
	AlertType      json.RawMessage   `json:"alertType"`
	Type           string            `json:"type"`
	Headline       string            `json:"headline"`
	ListsMatched   []json.RawMessage `json:"listsMatched"`
}

type namedRef struct {
	ID   json.RawMessage `json:"id"`
	Name string          `json:"name"`
}

// UnmarshalJSON decodes an upstream alert payload.
func (a *Alert) UnmarshalJSON(data []byte) error {
	var w wireAlert
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.AlertID == "" {
		return fmt.Errorf("alert: missing alertId")
	}

	ts, err := parseTimestamp(w.AlertTimestamp)
	if err != nil {
		return fmt.Errorf("alert %s: %w", w.AlertID, err)
	}

	typ := w.Type
	if len(w.AlertType) > 0 {
		if t := decodeName(w.AlertType); t != "" {
			typ = t
		}
	}

	lists := make([]string, 0, len(w.ListsMatched))
	for _, raw := range w.ListsMatched {
		if id := decodeID(raw); id != "" {
			lists = append(lists, id)
		}
	}

	*a = Alert{
		ID:        w.AlertID,
		Timestamp: ts,
		Type:      typ,
		Headline:  w.Headline,
		Lists:     lists,
		Raw:       append(json.RawMessage(nil), data...),
	}
	return nil
}

// MarshalJSON returns the original payload when one is held, so alerts pass
// through the service unchanged.
func (a Alert) MarshalJSON() ([]byte, error) {
	if len(a.Raw) > 0 {
		return a.Raw, nil
	}

	lists := make([]namedRef, 0, len(a.Lists))
	for _, id := range a.Lists {
		lists = append(lists, namedRef{ID: json.RawMessage(strconv.Quote(id))})
	}
	return json.Marshal(struct {
		AlertID        string     `json:"alertId"`
		AlertTimestamp string     `json:"alertTimestamp"`
		AlertType      string     `json:"type,omitempty"`
		Headline       string     `json:"headline,omitempty"`
		ListsMatched   []namedRef `json:"listsMatched,omitempty"`
	}{
		AlertID:        a.ID,
		AlertTimestamp: a.Timestamp.UTC().Format(time.RFC3339Nano),
		AlertType:      a.Type,
		Headline:       a.Headline,
		ListsMatched:   lists,
	})
}

// InAnyList reports whether the alert matched at least one of lists.
// An empty lists argument matches every alert.
func (a Alert) InAnyList(lists []string) bool {
	if len(lists) == 0 {
		return true
	}
	for _, id := range a.Lists {
		if slices.Contains(lists, id) {
			return true
		}
	}
	return false
}

// SortNewestFirst orders alerts by descending timestamp, keeping the input
// order for equal timestamps.
func SortNewestFirst(alerts []Alert) {
	slices.SortStableFunc(alerts, func(x, y Alert) int {
		return y.Timestamp.Compare(x.Timestamp)
	})
}

// parseTimestamp accepts epoch milliseconds (number or numeric string) or an
// ISO-8601 string.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, fmt.Errorf("missing alertTimestamp")
	}

	if raw[0] != '"' {
		ms, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(string(raw), 64)
			if ferr != nil {
				return time.Time{}, fmt.Errorf("parse alertTimestamp %s: %w", raw, err)
			}
			ms = int64(f)
		}
		return time.UnixMilli(ms).UTC(), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, fmt.Errorf("parse alertTimestamp: %w", err)
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse alertTimestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// decodeName reads either a bare string or an object with a name field.
func decodeName(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var ref namedRef
	if err := json.Unmarshal(raw, &ref); err == nil {
		return ref.Name
	}
	return ""
}

// decodeID reads either a bare string/number or an object with an id field.
func decodeID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '{' {
		var ref namedRef
		if err := json.Unmarshal(raw, &ref); err != nil {
			return ""
		}
		return scalarString(ref.ID)
	}
	return scalarString(raw)
}

func scalarString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
