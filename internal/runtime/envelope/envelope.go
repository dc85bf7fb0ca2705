// Package envelope implements the self-describing record exchanged between
// services and its two wire encodings.
//
// Every message crosses the wire as two parts: the plain topic token, used for
// subscription filtering, and the serialized envelope body. The body is either
// a protobuf Struct (compact, the default) or a JSON object (readable). Decode
// accepts both, so a consumer never needs to know which one its producer was
// configured with.
package envelope

import (
	"fmt"
	"strings"
	"sync"
	"time"

	errspkg "github.com/drblury/simbus/internal/runtime/errors"
	idspkg "github.com/drblury/simbus/internal/runtime/ids"
)

// Wire keys of the envelope body.
const (
	KeyID            = "id"
	KeyType          = "type"
	KeyTimestamp     = "ts"
	KeyDatetime      = "datetime"
	KeyVersion       = "v"
	KeyPayload       = "payload"
	KeyCorrelationID = "cid"
)

// DatetimeLayout renders the human readable datetime field.
const DatetimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Format selects the body serialization.
type Format string

const (
	FormatProto Format = "proto"
	FormatJSON  Format = "json"
)

// ParseFormat accepts "proto", "protobuf", "binary" or "json". An empty string
// selects FormatProto.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "proto", "protobuf", "binary":
		return FormatProto, nil
	case "json", "text":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown envelope format %q", name)
	}
}

// Payload is the untyped body of an envelope. Values are nil, bool, float64,
// string, []any or map[string]any once they have passed through the codec.
type Payload = map[string]any

// Envelope is the only record that crosses a process boundary.
type Envelope struct {
	ID            string
	Topic         string
	Timestamp     time.Time
	Version       int
	CorrelationID string
	Payload       Payload
}

// Datetime renders Timestamp the way it appears in the body.
func (e Envelope) Datetime() string {
	return e.Timestamp.UTC().Format(DatetimeLayout)
}

// Map returns the wire representation of the envelope body.
func (e Envelope) Map() map[string]any {
	m := map[string]any{
		KeyID:        e.ID,
		KeyType:      e.Topic,
		KeyTimestamp: float64(e.Timestamp.UnixMilli()),
		KeyDatetime:  e.Datetime(),
		KeyVersion:   float64(e.Version),
		KeyPayload:   e.Payload,
	}
	if e.Payload == nil {
		m[KeyPayload] = map[string]any{}
	}
	if e.CorrelationID != "" {
		m[KeyCorrelationID] = e.CorrelationID
	}
	return m
}

// Frame is the two-part wire unit.
type Frame struct {
	Topic string
	Body  []byte
}

// Parts returns the frame as ordered wire parts.
func (f Frame) Parts() [][]byte {
	return [][]byte{[]byte(f.Topic), f.Body}
}

// Codec builds and serializes envelopes. Each producer owns one Codec, which
// keeps its timestamps non-decreasing even if the wall clock steps backwards.
type Codec struct {
	format Format
	now    func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewCodec returns a codec producing bodies in the given format.
func NewCodec(format Format) (*Codec, error) {
	if format != FormatProto && format != FormatJSON {
		return nil, fmt.Errorf("unknown envelope format %q", format)
	}
	return &Codec{format: format, now: time.Now}, nil
}

// Format reports the body format this codec produces.
func (c *Codec) Format() Format { return c.format }

// Encode builds an envelope for topic and payload and serializes it.
func (c *Codec) Encode(topic string, payload Payload, version int) (Frame, error) {
	env, err := c.Build(topic, payload, version)
	if err != nil {
		return Frame{}, err
	}
	return c.Marshal(env)
}

// Build stamps a new envelope with a fresh id and timestamp. The payload is
// normalized, so the returned envelope holds exactly what Decode will yield on
// the other side.
func (c *Codec) Build(topic string, payload Payload, version int) (Envelope, error) {
	if topic == "" {
		return Envelope{}, errspkg.ErrTopicRequired
	}
	if version < 1 {
		version = 1
	}
	plain, err := normalizePayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:        idspkg.NewMessageID(),
		Topic:     topic,
		Timestamp: c.stamp(),
		Version:   version,
		Payload:   plain,
	}, nil
}

// Marshal serializes an envelope built by Build. The topic token of the frame
// is always the envelope topic.
func (c *Codec) Marshal(env Envelope) (Frame, error) {
	if env.Topic == "" {
		return Frame{}, errspkg.ErrTopicRequired
	}
	var (
		body []byte
		err  error
	)
	switch c.format {
	case FormatJSON:
		body, err = marshalJSON(env)
	default:
		body, err = marshalProto(env)
	}
	if err != nil {
		return Frame{}, err
	}
	return Frame{Topic: env.Topic, Body: body}, nil
}

func (c *Codec) stamp() time.Time {
	now := c.now().UTC().Truncate(time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Before(c.last) {
		now = c.last
	}
	c.last = now
	return now
}

// Decode parses a frame. A body whose first byte other than ASCII whitespace
// is '{' is read as JSON, anything else as protobuf. The transport topic token
// wins over the topic stored in the body, since it is what subscription
// filtering acted on; the body topic is only used when the token is empty.
func Decode(f Frame) (Envelope, error) {
	if len(f.Body) == 0 {
		return Envelope{}, &errspkg.DecodeError{Topic: f.Topic, Err: fmt.Errorf("empty body")}
	}

	var (
		raw map[string]any
		err error
	)
	switch {
	case f.Body[0] == '{':
		raw, err = unmarshalJSON(f.Body)
	case startsJSON(f.Body):
		// Every protobuf body starts with '\n', the tag of its first field.
		if raw, err = unmarshalJSON(f.Body); err != nil {
			raw, err = unmarshalProto(f.Body)
		}
	default:
		raw, err = unmarshalProto(f.Body)
	}
	if err != nil {
		return Envelope{}, &errspkg.DecodeError{Topic: f.Topic, Err: err}
	}

	env, err := fromMap(raw)
	if err != nil {
		return Envelope{}, &errspkg.DecodeError{Topic: f.Topic, Err: err}
	}
	if f.Topic != "" {
		env.Topic = f.Topic
	}
	if env.Topic == "" {
		return Envelope{}, &errspkg.DecodeError{Err: errspkg.ErrTopicRequired}
	}
	return env, nil
}

func startsJSON(body []byte) bool {
	for _, b := range body {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return b == '{'
	}
	return false
}

func fromMap(raw map[string]any) (Envelope, error) {
	var env Envelope

	id, ok := raw[KeyID].(string)
	if !ok || id == "" {
		return env, fmt.Errorf("missing %q", KeyID)
	}
	ts, ok := raw[KeyTimestamp].(float64)
	if !ok {
		return env, fmt.Errorf("missing %q", KeyTimestamp)
	}
	version, ok := raw[KeyVersion].(float64)
	if !ok {
		return env, fmt.Errorf("missing %q", KeyVersion)
	}
	payload, ok := raw[KeyPayload].(map[string]any)
	if !ok {
		return env, fmt.Errorf("missing or non-object %q", KeyPayload)
	}

	env.ID = id
	env.Timestamp = time.UnixMilli(int64(ts)).UTC()
	env.Version = int(version)
	env.Payload = payload
	env.Topic, _ = raw[KeyType].(string)
	env.CorrelationID, _ = raw[KeyCorrelationID].(string)
	return env, nil
}
