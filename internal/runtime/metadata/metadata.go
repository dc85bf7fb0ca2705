// Package metadata describes the headers an envelope carries once it leaves
// the local bus as a Watermill message.
package metadata

import (
	"strconv"
	"time"

	"github.com/drblury/simbus/internal/runtime/envelope"
)

// Reserved keys.
const (
	KeyTopic     = "simbus_topic"
	KeyVersion   = "simbus_version"
	KeyTimestamp = "simbus_ts"
	KeySource    = "simbus_source"
	// KeyCorrelationID matches the key of Watermill's CorrelationID
	// middleware, so the router propagates it unchanged.
	KeyCorrelationID = "correlation_id"
)

// Metadata represents the headers carried alongside a relayed envelope.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// FromEnvelope captures the envelope header. The correlation id falls back to
// the envelope id so every relayed message has one.
func FromEnvelope(env envelope.Envelope) Metadata {
	cid := env.CorrelationID
	if cid == "" {
		cid = env.ID
	}
	return Metadata{
		KeyTopic:         env.Topic,
		KeyVersion:       strconv.Itoa(env.Version),
		KeyTimestamp:     strconv.FormatInt(env.Timestamp.UnixMilli(), 10),
		KeyCorrelationID: cid,
	}
}

// Version returns the schema version, defaulting to 1.
func (m Metadata) Version() int {
	v, err := strconv.Atoi(m[KeyVersion])
	if err != nil || v < 1 {
		return 1
	}
	return v
}

// Timestamp returns the envelope time, or the zero time when absent.
func (m Metadata) Timestamp() time.Time {
	ms, err := strconv.ParseInt(m[KeyTimestamp], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
