// Package io provides the file sink: every relayed message is appended to a
// file as one JSON line. The sink is write-only.
package io

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/simbus/internal/runtime/jsoncodec"
	"github.com/drblury/simbus/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "io"

// DefaultFilePath is used when IO_FILE is empty.
const DefaultFilePath = "relay.jsonl"

// ErrInboundUnsupported is returned when inbound topics are configured for the
// file sink.
var ErrInboundUnsupported = errors.New("simbus: io transport cannot consume inbound topics")

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return NewPublisher(filePath, logger)
}

func init() {
	Register()
}

// Register adds the file sink to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.IOCapabilities)
}

// Build creates the file sink.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if cfg.InboundEnabled() {
		return transport.Transport{}, ErrInboundUnsupported
	}
	filePath := cfg.GetIOFile()
	if filePath == "" {
		filePath = DefaultFilePath
	}
	pub, err := PublisherFactory(filePath, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: pub}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.IOCapabilities
}

// Line is one record of the sink file. Payload is embedded verbatim when it is
// valid JSON and as a JSON string otherwise.
type Line struct {
	Topic    string            `json:"topic"`
	UUID     string            `json:"uuid"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  json.RawMessage   `json:"payload"`
}

// Publisher appends messages to a file.
type Publisher struct {
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	file   *os.File
	closed bool
}

// NewPublisher opens filePath for appending, creating parent directories.
func NewPublisher(filePath string, logger watermill.LoggerAdapter) (*Publisher, error) {
	if dir := filepath.Dir(filePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	logger.Info("Appending relayed messages to file", watermill.LogFields{"file": filePath})
	return &Publisher{logger: logger, file: f}, nil
}

// Publish writes each message as one line. Messages are written in order and
// a failure stops the batch.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("simbus: io publisher is closed")
	}

	for _, msg := range messages {
		b, err := jsoncodec.Marshal(Line{
			Topic:    topic,
			UUID:     msg.UUID,
			Metadata: msg.Metadata,
			Payload:  rawPayload(msg.Payload),
		})
		if err != nil {
			return err
		}
		if _, err := p.file.Write(append(b, '\n')); err != nil {
			return err
		}
	}
	return nil
}

func rawPayload(payload []byte) json.RawMessage {
	if json.Valid(payload) {
		return payload
	}
	quoted, _ := jsoncodec.Marshal(string(payload))
	return quoted
}

// Close flushes and closes the file. It is safe to call more than once.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.file.Sync(); err != nil {
		_ = p.file.Close()
		return err
	}
	return p.file.Close()
}
