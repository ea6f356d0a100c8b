package webhook

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
)

type EventType string

const (
	EventPayment       EventType = "payment"
	EventMerchantOrder EventType = "merchant_order"
	EventUnknown       EventType = "unknown"
)

// Event is a normalized gateway notification. Unknown events are acknowledged and ignored.
type Event struct {
	Type       EventType
	ResourceID string
	Data       map[string]interface{}
}

// Parse normalizes a webhook body. It never fails; unrecognized bodies yield EventUnknown.
func Parse(body map[string]interface{}) Event {
	topic := stringField(body, "topic")
	typ := stringField(body, "type")
	action := stringField(body, "action")
	data, _ := body["data"].(map[string]interface{})
	resource := stringField(body, "resource")

	switch {
	case topic == "payment" || typ == "payment" || strings.HasPrefix(action, "payment."):
		id := stringField(data, "id")
		if id == "" {
			id = ExtractIDFromURL(resource)
		}
		return Event{Type: EventPayment, ResourceID: id, Data: data}

	case topic == "merchant_order" || typ == "merchant_order":
		return Event{Type: EventMerchantOrder, ResourceID: ExtractIDFromURL(resource), Data: data}
	}

	// bare {"id": 123456} deliveries are treated as payments
	if id := stringField(body, "id"); id != "" && isDigits(id) {
		return Event{Type: EventPayment, ResourceID: id, Data: data}
	}

	return Event{Type: EventUnknown, Data: data}
}

// ParseQuery maps the GET/IPN query form onto the body shape Parse understands.
// The result is empty when no known parameter is present.
func ParseQuery(q url.Values) map[string]interface{} {
	body := make(map[string]interface{})

	if v := q.Get("data.id"); v != "" {
		body["id"] = v
		body["data"] = map[string]interface{}{"id": v}
	}
	if v := q.Get("type"); v != "" {
		body["type"] = v
	}
	if v := q.Get("topic"); v != "" {
		body["topic"] = v
	}
	if v := q.Get("id"); v != "" {
		body["resource"] = v
		if _, ok := body["id"]; !ok {
			body["id"] = ExtractIDFromURL(v)
		}
	}
	return body
}

// ExtractIDFromURL returns the last purely numeric path segment of s, ignoring
// any query string or fragment. Inputs without one are returned unchanged.
func ExtractIDFromURL(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	path := s
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}

	segments := strings.Split(path, "/")
	for i := len(segments) - 1; i >= 0; i-- {
		if isDigits(segments[i]) {
			return segments[i]
		}
	}
	return s
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	}
	return ""
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
