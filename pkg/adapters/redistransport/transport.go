// Package redistransport implements ports.StateTransport over Redis.
// Exported payloads are staged under region-prefixed keys, so a receiving
// node in the destination region can pick them up and hydrate the browser
// profile. The payload itself stays an opaque JSON blob.
package redistransport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/wpeva/undetect-fleet/pkg/domain"
)

// envelope wraps the opaque payload with the routing fields the import side
// needs to key the staged blob.
type envelope struct {
	SessionID  string             `json:"sessionId"`
	FromRegion string             `json:"fromRegion"`
	Data       domain.SessionData `json:"data"`
}

// Transport implements ports.StateTransport using Redis.
type Transport struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

type Option func(*Transport)

// WithTTL sets the expiration for staged payloads. Staged state is a
// hand-off buffer, not durable storage, so a TTL is the default.
func WithTTL(ttl time.Duration) Option {
	return func(t *Transport) {
		t.ttl = ttl
	}
}

// WithPrefix sets the key prefix for staged payloads.
func WithPrefix(prefix string) Option {
	return func(t *Transport) {
		t.prefix = prefix
	}
}

// New creates a Redis transport with its own client.
func New(address, password string, db int, opts ...Option) *Transport {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient creates a Redis transport from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Transport {
	t := &Transport{
		client: client,
		prefix: "fleet:state:",
		ttl:    10 * time.Minute,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) key(region, sessionID string) string {
	return t.prefix + region + ":" + sessionID
}

// ExportState serializes the session payload for staging.
func (t *Transport) ExportState(ctx context.Context, sess *domain.Session) ([]byte, error) {
	payload, err := json.Marshal(envelope{
		SessionID:  sess.ID,
		FromRegion: sess.Region,
		Data:       sess.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("export session %s: %w", sess.ID, err)
	}
	return payload, nil
}

// ImportState writes the payload under the destination region's key and
// waits for the write acknowledgement.
func (t *Transport) ImportState(ctx context.Context, region string, payload []byte) error {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("import into %s: malformed payload: %w", region, err)
	}
	if env.SessionID == "" {
		return fmt.Errorf("import into %s: payload missing session id", region)
	}

	if err := t.client.Set(ctx, t.key(region, env.SessionID), payload, t.ttl).Err(); err != nil {
		return fmt.Errorf("import session %s into %s: %w", env.SessionID, region, err)
	}
	return nil
}

// Staged loads the payload staged in region for the session. Returns
// domain.ErrSessionNotFound when nothing is staged. Used by the receiving
// node and by tests.
func (t *Transport) Staged(ctx context.Context, region, sessionID string) ([]byte, error) {
	payload, err := t.client.Get(ctx, t.key(region, sessionID)).Bytes()
	if err == backend.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("staged state for %s in %s: %w", sessionID, region, err)
	}
	return payload, nil
}
