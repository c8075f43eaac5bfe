// Package checkpoint provides bounded checkpoint storage for graph
// executions. A checkpoint lineage is keyed by (threadID, namespace); only
// the latest checkpoint and its pending writes are retained per key —
// writing a new checkpoint deletes the previous one, which is the system's
// only garbage-collection mechanism.
package checkpoint

import (
	"context"
	"encoding/json"
	"time"
)

// Checkpoint is one graph-execution snapshot.
type Checkpoint struct {
	ID        string          `json:"id"`
	Node      string          `json:"node"`
	State     json.RawMessage `json:"state"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Metadata carries engine-defined annotations alongside a checkpoint.
type Metadata map[string]any

// PendingWrite is one side-effect write attached to a checkpoint. Writes
// for regular channels are first-write-wins; channels prefixed with "__"
// always overwrite.
type PendingWrite struct {
	TaskID  string          `json:"taskId"`
	Channel string          `json:"channel"`
	Value   json.RawMessage `json:"value"`
}

// Tuple is a checkpoint together with its metadata and pending writes.
type Tuple struct {
	ThreadID   string        `json:"threadId"`
	Namespace  string        `json:"namespace"`
	Checkpoint *Checkpoint   `json:"checkpoint"`
	Metadata   Metadata      `json:"metadata,omitempty"`
	Writes     []PendingWrite `json:"writes,omitempty"`
}

// Saver is the checkpoint store contract. Implementations must be safe for
// concurrent use across runs; operations are key-scoped, no cross-key
// transactions are required.
type Saver interface {
	// Get returns the latest tuple for the key, or (nil, nil) when absent.
	Get(ctx context.Context, threadID, namespace string) (*Tuple, error)

	// Put stores cp as the latest checkpoint for the key, deleting the
	// previous checkpoint and its writes.
	Put(ctx context.Context, threadID, namespace string, cp *Checkpoint, md Metadata) error

	// PutWrites attaches pending writes to an already-stored checkpoint.
	PutWrites(ctx context.Context, threadID, namespace, checkpointID string, writes []PendingWrite) error

	// DeleteThread removes every namespace of the thread.
	DeleteThread(ctx context.Context, threadID string) error
}

func overwriteChannel(channel string) bool {
	return len(channel) >= 2 && channel[:2] == "__"
}

func writeKey(taskID, channel string) string {
	return taskID + "," + channel
}
