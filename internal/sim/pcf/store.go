package pcf

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/drblury/simbus/internal/runtime/envelope"
	"github.com/drblury/simbus/internal/runtime/logging"
)

// Request ops.
const (
	OpListETFs       = "list_etfs"
	OpGetPCF         = "get_pcf"
	OpSetCosts       = "set_costs"
	OpSetStampDuties = "set_stamp_duties"
	OpSetBaskets     = "set_baskets"
)

// Store is the in-memory PCF state behind the responder.
type Store struct {
	mu   sync.RWMutex
	ids  []string
	pcfs map[string]PCF
	log  logging.ServiceLogger
}

func NewStore(pcfs []PCF, logger logging.ServiceLogger) *Store {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Store{
		pcfs: make(map[string]PCF, len(pcfs)),
		log:  logger.With(logging.LogFields{"component": "pcf"}),
	}
	for _, p := range pcfs {
		s.put(p)
	}
	return s
}

// ETFs lists the known ETF ids in insertion order.
func (s *Store) ETFs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.ids...)
}

func (s *Store) Get(etfID string) (PCF, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pcfs[etfID]
	return p, ok
}

// put must be called with mu held for writing, or before the store is shared.
func (s *Store) put(p PCF) {
	if _, ok := s.pcfs[p.ETFID]; !ok {
		s.ids = append(s.ids, p.ETFID)
	}
	s.pcfs[p.ETFID] = p
}

type listReply struct {
	OK   bool     `json:"ok"`
	ETFs []string `json:"etfs"`
}

type getReply struct {
	OK  bool `json:"ok"`
	PCF *PCF `json:"pcf"`
}

// Handle answers one request. Failures are reported in the reply as
// {ok:false, err:...} and never as an error, so the responder keeps serving.
func (s *Store) Handle(_ context.Context, req envelope.Envelope) (envelope.Payload, error) {
	op, _ := req.Payload["op"].(string)
	reply, err := s.dispatch(op, req.Payload)
	if err != nil {
		s.log.Error("PCF request failed", err, logging.LogFields{"op": op, "request_id": req.ID})
		return envelope.Payload{"ok": false, "err": err.Error()}, nil
	}
	return reply, nil
}

func (s *Store) dispatch(op string, req envelope.Payload) (envelope.Payload, error) {
	switch op {
	case OpListETFs:
		return envelope.PayloadOf(listReply{OK: true, ETFs: s.ETFs()})
	case OpGetPCF:
		id, err := stringField(req, "etf_id")
		if err != nil {
			return nil, err
		}
		reply := getReply{OK: true}
		if p, ok := s.Get(id); ok {
			reply.PCF = &p
		}
		return envelope.PayloadOf(reply)
	case OpSetCosts:
		return s.update(req, "costs")
	case OpSetStampDuties:
		return s.update(req, "stamp_duties")
	case OpSetBaskets:
		return s.update(req, "baskets")
	default:
		return envelope.Payload{"ok": false, "err": "unknown_op:" + op}, nil
	}
}

// update shallow-merges the request's section into the ETF's PCF, creating
// the ETF when it is unknown.
func (s *Store) update(req envelope.Payload, section string) (envelope.Payload, error) {
	id, err := stringField(req, "etf_id")
	if err != nil {
		return nil, err
	}
	raw, ok := req[section]
	if !ok {
		return nil, fmt.Errorf("missing field: %s", section)
	}
	patch, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an object", section)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.pcfs[id]
	if !ok {
		current = PCF{ETFID: id}
	}
	doc, err := envelope.PayloadOf(current)
	if err != nil {
		return nil, err
	}
	merged, _ := doc[section].(map[string]any)
	if merged == nil {
		merged = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		merged[k] = v
	}
	doc[section] = merged

	var next PCF
	if err := envelope.DecodePayload(doc, &next); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", section, err)
	}
	s.put(next)
	s.log.Info("PCF updated", logging.LogFields{"etf_id": id, "section": section})
	return envelope.Payload{"ok": true}, nil
}

func stringField(p envelope.Payload, key string) (string, error) {
	raw, ok := p[key]
	if !ok {
		return "", fmt.Errorf("missing field: %s", key)
	}
	v, ok := raw.(string)
	if !ok || v == "" {
		return "", errors.New(key + " must be a non-empty string")
	}
	return v, nil
}
