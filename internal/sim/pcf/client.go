package pcf

import (
	"context"
	"fmt"
	"time"

	"github.com/drblury/simbus/internal/runtime/envelope"
)

// Requester is the request side of the bus. *bus.Requester satisfies it.
type Requester interface {
	SendAndReceive(ctx context.Context, payload envelope.Payload, timeout time.Duration) (envelope.Envelope, error)
}

// RemoteError is an {ok:false} reply.
type RemoteError struct {
	Op      string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("pcf %s: %s", e.Op, e.Message)
}

// Client calls the PCF responder.
type Client struct {
	req     Requester
	timeout time.Duration
}

// NewClient wraps req. A zero timeout uses the requester's default.
func NewClient(req Requester, timeout time.Duration) *Client {
	return &Client{req: req, timeout: timeout}
}

func (c *Client) ListETFs(ctx context.Context) ([]string, error) {
	var reply listReply
	if err := c.call(ctx, envelope.Payload{"op": OpListETFs}, &reply); err != nil {
		return nil, err
	}
	return reply.ETFs, nil
}

// Get fetches one PCF. The bool is false when the ETF is unknown.
func (c *Client) Get(ctx context.Context, etfID string) (PCF, bool, error) {
	var reply getReply
	if err := c.call(ctx, envelope.Payload{"op": OpGetPCF, "etf_id": etfID}, &reply); err != nil {
		return PCF{}, false, err
	}
	if reply.PCF == nil {
		return PCF{}, false, nil
	}
	return *reply.PCF, true, nil
}

// All fetches the PCF of every listed ETF.
func (c *Client) All(ctx context.Context) ([]PCF, error) {
	ids, err := c.ListETFs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]PCF, 0, len(ids))
	for _, id := range ids {
		p, ok, err := c.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (c *Client) SetCosts(ctx context.Context, etfID string, costs map[string]any) error {
	return c.set(ctx, OpSetCosts, etfID, "costs", costs)
}

func (c *Client) SetStampDuties(ctx context.Context, etfID string, duties map[string]any) error {
	return c.set(ctx, OpSetStampDuties, etfID, "stamp_duties", duties)
}

func (c *Client) SetBaskets(ctx context.Context, etfID string, baskets map[string]any) error {
	return c.set(ctx, OpSetBaskets, etfID, "baskets", baskets)
}

func (c *Client) set(ctx context.Context, op, etfID, field string, value map[string]any) error {
	return c.call(ctx, envelope.Payload{"op": op, "etf_id": etfID, field: value}, nil)
}

func (c *Client) call(ctx context.Context, req envelope.Payload, out any) error {
	op, _ := req["op"].(string)
	env, err := c.req.SendAndReceive(ctx, req, c.timeout)
	if err != nil {
		return err
	}
	if ok, _ := env.Payload["ok"].(bool); !ok {
		msg, _ := env.Payload["err"].(string)
		if msg == "" {
			msg, _ = env.Payload["error"].(string)
		}
		return &RemoteError{Op: op, Message: msg}
	}
	if out == nil {
		return nil
	}
	return envelope.DecodePayload(env.Payload, out)
}
