package cloudevents

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/simbus/internal/runtime/jsoncodec"
)

// Watermill metadata keys mirroring the core attributes, so brokers that
// route on headers need not parse the body.
const (
	MetaSpecVersion     = "ce_specversion"
	MetaType            = "ce_type"
	MetaSource          = "ce_source"
	MetaID              = "ce_id"
	MetaTime            = "ce_time"
	MetaDataContentType = "ce_datacontenttype"
	MetaSubject         = "ce_subject"
)

// ToMessage serializes evt as the message payload and mirrors its attributes
// and extensions into metadata.
func ToMessage(evt Event) (*message.Message, error) {
	if err := evt.Validate(); err != nil {
		return nil, Unprocessable("invalid event", err)
	}
	payload, err := evt.MarshalJSON()
	if err != nil {
		return nil, Unprocessable("marshal event", err)
	}

	msg := message.NewMessage(evt.ID, payload)
	msg.Metadata.Set(MetaSpecVersion, evt.SpecVersion)
	msg.Metadata.Set(MetaType, evt.Type)
	msg.Metadata.Set(MetaSource, evt.Source)
	msg.Metadata.Set(MetaID, evt.ID)
	if !evt.Time.IsZero() {
		msg.Metadata.Set(MetaTime, FormatTime(evt.Time))
	}
	if evt.DataContentType != "" {
		msg.Metadata.Set(MetaDataContentType, evt.DataContentType)
	}
	if evt.Subject != "" {
		msg.Metadata.Set(MetaSubject, evt.Subject)
	}
	for k, v := range evt.Extensions {
		if v != nil {
			msg.Metadata.Set(k, fmt.Sprintf("%v", v))
		}
	}
	return msg, nil
}

// FromMessage reads a structured-mode event from msg. A payload that is a
// plain JSON object rather than an event is wrapped into a synthetic one,
// typed from ce_type metadata or fallbackType. Payloads that are not JSON
// objects are unprocessable.
func FromMessage(msg *message.Message, fallbackType string) (Event, error) {
	raw, err := jsoncodec.UnmarshalObject(msg.Payload)
	if err != nil {
		return Event{}, Unprocessable("payload is not a JSON object", err)
	}

	if _, structured := raw["specversion"]; structured {
		evt, err := FromMap(raw)
		if err != nil {
			return Event{}, Unprocessable("malformed event", err)
		}
		if evt.ID == "" {
			evt.ID = msg.UUID
		}
		if err := evt.Validate(); err != nil {
			return Event{}, Unprocessable("invalid event", err)
		}
		return evt, nil
	}

	evt := Event{
		SpecVersion:     SpecVersion,
		Type:            firstNonEmpty(msg.Metadata.Get(MetaType), fallbackType),
		Source:          firstNonEmpty(msg.Metadata.Get(MetaSource), "unknown"),
		ID:              firstNonEmpty(msg.Metadata.Get(MetaID), msg.UUID),
		DataContentType: ContentTypeJSON,
		Data:            raw,
		Extensions:      make(map[string]any),
	}
	if v := msg.Metadata.Get(MetaTime); v != "" {
		if t, err := ParseTime(v); err == nil {
			evt.Time = t
		}
	}
	if v := msg.Metadata.Get(ExtSchemaVersion); v != "" {
		evt.Extensions[ExtSchemaVersion] = v
	}
	if v := msg.Metadata.Get(ExtCorrelationID); v != "" {
		evt.Extensions[ExtCorrelationID] = v
	}
	if err := evt.Validate(); err != nil {
		return Event{}, Unprocessable("invalid event", err)
	}
	return evt, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
