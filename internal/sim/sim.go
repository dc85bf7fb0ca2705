// Package sim holds what the simulators share: the publishing contract, the
// tick loop and the seeded random source.
package sim

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/drblury/simbus/internal/runtime/envelope"
)

// DefaultInterval paces a simulator that was given no tick interval.
const DefaultInterval = time.Second

// Sender publishes one payload under a topic. *bus.Publisher satisfies it.
type Sender interface {
	Send(topic string, payload envelope.Payload) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(topic string, payload envelope.Payload) error

func (f SenderFunc) Send(topic string, payload envelope.Payload) error { return f(topic, payload) }

// NewRand returns a generator seeded with seed, or with the clock when seed
// is zero.
func NewRand(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

// Loop calls step immediately and then on every tick of interval until ctx
// is done or step fails. A cancelled context is a clean stop.
func Loop(ctx context.Context, interval time.Duration, step func(now time.Time) error) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if err := step(time.Now().UTC()); err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if err := step(now.UTC()); err != nil {
				return err
			}
		}
	}
}

// Round rounds v to the given number of decimals.
func Round(v float64, decimals int) float64 {
	p := math.Pow10(decimals)
	return math.Round(v*p) / p
}
