// Package memtransport implements ports.StateTransport in memory. It is the
// default transport for single-node deployments and tests: "moving" a
// payload stages it in a per-region map inside the process.
package memtransport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/wpeva/undetect-fleet/pkg/domain"
)

// envelope is the staged payload format. The session payload itself stays
// opaque; the envelope only adds the routing fields the import side needs.
type envelope struct {
	SessionID string             `json:"sessionId"`
	Data      domain.SessionData `json:"data"`
}

// Transport stages exported session payloads per region.
// Safe for concurrent use.
type Transport struct {
	mu      sync.RWMutex
	regions map[string]map[string][]byte // region -> session id -> payload

	latency time.Duration
}

// Option configures the Transport.
type Option func(*Transport)

// WithLatency adds an artificial delay to each call, simulating a real
// cross-region transfer. Useful in tests exercising timeouts.
func WithLatency(d time.Duration) Option {
	return func(t *Transport) {
		t.latency = d
	}
}

// New creates an empty in-memory transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		regions: make(map[string]map[string][]byte),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ExportState serializes the session payload.
func (t *Transport) ExportState(ctx context.Context, sess *domain.Session) ([]byte, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(envelope{SessionID: sess.ID, Data: sess.Data.Clone()})
	if err != nil {
		return nil, fmt.Errorf("export session %s: %w", sess.ID, err)
	}
	return payload, nil
}

// ImportState stages the payload under the target region.
func (t *Transport) ImportState(ctx context.Context, region string, payload []byte) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("import into %s: %w", region, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.regions[region] == nil {
		t.regions[region] = make(map[string][]byte)
	}
	t.regions[region][env.SessionID] = payload
	return nil
}

// Staged returns the payload last imported into region for the session, if
// any. Test hook.
func (t *Transport) Staged(region, sessionID string) ([]byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	payload, ok := t.regions[region][sessionID]
	return payload, ok
}

func (t *Transport) wait(ctx context.Context) error {
	if t.latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(t.latency):
		return nil
	}
}
