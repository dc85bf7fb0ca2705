// Package cloudevents maps bus envelopes onto CloudEvents v1.0 in structured
// JSON mode, the form the relay hands to external brokers.
package cloudevents

import (
	"fmt"
	"strconv"
	"time"

	idspkg "github.com/drblury/simbus/internal/runtime/ids"
	"github.com/drblury/simbus/internal/runtime/jsoncodec"
)

// SpecVersion is the CloudEvents specification version implemented.
const SpecVersion = "1.0"

// ContentTypeJSON is the only data content type the relay produces.
const ContentTypeJSON = "application/json"

// Event is a CloudEvents v1.0 event whose data is a JSON object.
type Event struct {
	SpecVersion string
	// Type carries the bus topic, e.g. prices.tick.
	Type string
	// Source names the producing service.
	Source string
	ID     string

	Time            time.Time
	DataContentType string
	Subject         string

	Data map[string]any

	// Extensions are flattened into the top-level JSON object.
	Extensions map[string]any
}

// New creates an event with a fresh id and the current time.
func New(eventType, source string, data map[string]any) Event {
	return Event{
		SpecVersion:     SpecVersion,
		Type:            eventType,
		Source:          source,
		ID:              idspkg.NewMessageID(),
		Time:            Now(),
		DataContentType: ContentTypeJSON,
		Data:            data,
		Extensions:      make(map[string]any),
	}
}

// WithSubject sets the subject field and returns the event.
func (e Event) WithSubject(subject string) Event {
	e.Subject = subject
	return e
}

// WithExtension sets an extension attribute and returns the event.
func (e Event) WithExtension(key string, value any) Event {
	e = e.Clone()
	if e.Extensions == nil {
		e.Extensions = make(map[string]any)
	}
	e.Extensions[key] = value
	return e
}

// GetExtension returns nil if the extension is not set.
func (e Event) GetExtension(key string) any {
	if e.Extensions == nil {
		return nil
	}
	return e.Extensions[key]
}

// GetExtensionString formats non-string values with %v.
func (e Event) GetExtensionString(key string) string {
	switch v := e.GetExtension(key).(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

// GetExtensionInt accepts numbers and numeric strings. Anything else is 0.
func (e Event) GetExtensionInt(key string) int {
	switch n := e.GetExtension(key).(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0
		}
		return i
	default:
		return 0
	}
}

// Validate checks the required CloudEvents attributes.
func (e Event) Validate() error {
	if e.SpecVersion == "" {
		return fmt.Errorf("specversion is required")
	}
	if e.SpecVersion != SpecVersion {
		return fmt.Errorf("specversion must be %q, got %q", SpecVersion, e.SpecVersion)
	}
	if e.Type == "" {
		return fmt.Errorf("type is required")
	}
	if e.Source == "" {
		return fmt.Errorf("source is required")
	}
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

// Clone copies the extension map. Data is shared.
func (e Event) Clone() Event {
	cloned := e
	if e.Extensions != nil {
		cloned.Extensions = make(map[string]any, len(e.Extensions))
		for k, v := range e.Extensions {
			cloned.Extensions[k] = v
		}
	}
	return cloned
}

var knownAttributes = map[string]bool{
	"specversion":     true,
	"type":            true,
	"source":          true,
	"id":              true,
	"time":            true,
	"datacontenttype": true,
	"subject":         true,
	"data":            true,
}

// Map returns the flattened structured-mode representation.
func (e Event) Map() map[string]any {
	m := make(map[string]any, len(knownAttributes)+len(e.Extensions))
	for k, v := range e.Extensions {
		if !knownAttributes[k] {
			m[k] = v
		}
	}

	m["specversion"] = e.SpecVersion
	m["type"] = e.Type
	m["source"] = e.Source
	m["id"] = e.ID
	if !e.Time.IsZero() {
		m["time"] = FormatTime(e.Time)
	}
	if e.DataContentType != "" {
		m["datacontenttype"] = e.DataContentType
	}
	if e.Subject != "" {
		m["subject"] = e.Subject
	}
	if e.Data != nil {
		m["data"] = e.Data
	}
	return m
}

// MarshalJSON implements json.Marshaler for the structured JSON format.
func (e Event) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(e.Map())
}

// UnmarshalJSON implements json.Unmarshaler for the structured JSON format.
// Unknown top-level attributes become extensions.
func (e *Event) UnmarshalJSON(data []byte) error {
	raw, err := jsoncodec.UnmarshalObject(data)
	if err != nil {
		return err
	}
	evt, err := FromMap(raw)
	if err != nil {
		return err
	}
	*e = evt
	return nil
}

// FromMap builds an event from a decoded structured-mode object.
func FromMap(raw map[string]any) (Event, error) {
	var evt Event
	for _, attr := range []struct {
		key string
		dst *string
	}{
		{"specversion", &evt.SpecVersion},
		{"type", &evt.Type},
		{"source", &evt.Source},
		{"id", &evt.ID},
		{"datacontenttype", &evt.DataContentType},
		{"subject", &evt.Subject},
	} {
		v, ok := raw[attr.key]
		if !ok || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return Event{}, fmt.Errorf("invalid %s: expected string, got %T", attr.key, v)
		}
		*attr.dst = s
	}

	if v, ok := raw["time"]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return Event{}, fmt.Errorf("invalid time: expected string, got %T", v)
		}
		t, err := ParseTime(s)
		if err != nil {
			return Event{}, fmt.Errorf("invalid time: %w", err)
		}
		evt.Time = t
	}

	if v, ok := raw["data"]; ok && v != nil {
		data, ok := v.(map[string]any)
		if !ok {
			return Event{}, fmt.Errorf("invalid data: expected object, got %T", v)
		}
		evt.Data = data
	}

	evt.Extensions = make(map[string]any)
	for k, v := range raw {
		if !knownAttributes[k] {
			evt.Extensions[k] = v
		}
	}
	return evt, nil
}
