package cloudevents

import (
	"time"

	"github.com/drblury/simbus/internal/runtime/envelope"
)

// Extension attributes carried by relayed envelopes. CloudEvents restricts
// extension names to lower-case alphanumerics.
const (
	// ExtSchemaVersion is the envelope schema version, v on the bus.
	ExtSchemaVersion = "schemaversion"
	// ExtCorrelationID links a reply or follow-up event to its cause.
	ExtCorrelationID = "correlationid"
)

// SchemaVersion returns the schema version, defaulting to 1.
func SchemaVersion(evt Event) int {
	v := evt.GetExtensionInt(ExtSchemaVersion)
	if v < 1 {
		return 1
	}
	return v
}

func SetSchemaVersion(evt *Event, v int) {
	if evt.Extensions == nil {
		evt.Extensions = make(map[string]any)
	}
	evt.Extensions[ExtSchemaVersion] = v
}

func CorrelationID(evt Event) string {
	return evt.GetExtensionString(ExtCorrelationID)
}

func SetCorrelationID(evt *Event, cid string) {
	if evt.Extensions == nil {
		evt.Extensions = make(map[string]any)
	}
	evt.Extensions[ExtCorrelationID] = cid
}

// FromEnvelope maps an envelope onto an event: the topic becomes the type,
// the envelope id and timestamp are kept, and the payload becomes data.
func FromEnvelope(env envelope.Envelope, source string) Event {
	data := env.Payload
	if data == nil {
		data = map[string]any{}
	}
	evt := Event{
		SpecVersion:     SpecVersion,
		Type:            env.Topic,
		Source:          source,
		ID:              env.ID,
		Time:            env.Timestamp.UTC(),
		DataContentType: ContentTypeJSON,
		Data:            data,
		Extensions:      make(map[string]any, 2),
	}
	version := env.Version
	if version < 1 {
		version = 1
	}
	SetSchemaVersion(&evt, version)
	if env.CorrelationID != "" {
		SetCorrelationID(&evt, env.CorrelationID)
	}
	return evt
}

// ToEnvelope is the inverse of FromEnvelope. An event that fails validation
// is unprocessable; a missing time is replaced with the current time.
func ToEnvelope(evt Event) (envelope.Envelope, error) {
	if err := evt.Validate(); err != nil {
		return envelope.Envelope{}, Unprocessable("invalid event", err)
	}
	ts := evt.Time
	if ts.IsZero() {
		ts = Now()
	}
	payload := evt.Data
	if payload == nil {
		payload = envelope.Payload{}
	}
	return envelope.Envelope{
		ID:            evt.ID,
		Topic:         evt.Type,
		Timestamp:     ts.UTC().Truncate(time.Millisecond),
		Version:       SchemaVersion(evt),
		CorrelationID: CorrelationID(evt),
		Payload:       payload,
	}, nil
}
