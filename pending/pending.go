// Package pending stores the records that make interrupted runs resumable.
// A record is written when a run pauses for human input and consumed exactly
// once when the matching resume arrives; lookups key on the resume token.
package pending

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// DefaultTTL is how long a pending request stays resumable.
const DefaultTTL = 15 * time.Minute

// ErrNotFound is returned when no live record exists for a token. Expired
// records are indistinguishable from absent ones.
var ErrNotFound = errors.New("pending request not found")

// InputSchema describes the kind of answer a paused run expects.
type InputSchema struct {
	Kind     string `json:"kind,omitempty"`
	Multiple bool   `json:"multiple,omitempty"`
	Question string `json:"question,omitempty"`
}

// Option is one selectable answer. Value is the server-side canonical value
// applied on selection; it is stored here precisely because it must never be
// sent to clients.
type Option struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Value       any    `json:"value,omitempty"`
}

// Record is everything needed to resume a paused run: where it paused, the
// state snapshot reference, and the input contract offered to the human.
type Record struct {
	Token     string          `json:"token"`
	RequestID string          `json:"requestId"`
	SessionID string          `json:"sessionId"`
	RunID     string          `json:"runId"`
	Workflow  string          `json:"workflow"`
	Node      string          `json:"node"`
	State     json.RawMessage `json:"state,omitempty"`
	Schema    InputSchema     `json:"schema"`
	Options   []Option        `json:"options,omitempty"`
	CreatedAt int64           `json:"createdAt"`
	TTLMillis int64           `json:"ttlMillis"`
}

// ExpiresAt returns the instant the record stops being resumable.
func (r *Record) ExpiresAt() time.Time {
	return time.UnixMilli(r.CreatedAt + r.TTLMillis)
}

// Expired reports whether the record is past its TTL at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt())
}

// Patch mutates selected fields of a stored record in place, keeping its
// token and remaining TTL.
type Patch struct {
	State *json.RawMessage `json:"state,omitempty"`
}

// Store is the pending-request store contract. Get must treat expired
// records as absent.
type Store interface {
	Save(ctx context.Context, rec *Record) error
	Get(ctx context.Context, token string) (*Record, error)
	Update(ctx context.Context, token string, patch Patch) error
	Delete(ctx context.Context, token string) error
}
