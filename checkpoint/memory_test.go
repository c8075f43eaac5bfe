package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCheckpoint(id, node string) *Checkpoint {
	return &Checkpoint{
		ID:        id,
		Node:      node,
		State:     json.RawMessage(`{"input":"hi"}`),
		CreatedAt: time.Now(),
	}
}

func TestMemorySaverGetAbsent(t *testing.T) {
	s := NewMemorySaver(DefaultMemorySaverConfig())

	tuple, err := s.Get(context.Background(), "run-1", "wf-a")
	require.NoError(t, err)
	assert.Nil(t, tuple)
}

func TestMemorySaverPutGet(t *testing.T) {
	s := NewMemorySaver(DefaultMemorySaverConfig())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "run-1", "wf-a", testCheckpoint("cp-1", "ask"), Metadata{"step": 1}))

	tuple, err := s.Get(ctx, "run-1", "wf-a")
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, "cp-1", tuple.Checkpoint.ID)
	assert.Equal(t, "ask", tuple.Checkpoint.Node)
	assert.Equal(t, Metadata{"step": 1}, tuple.Metadata)
	assert.Empty(t, tuple.Writes)
}

// Sequential puts for the same lineage must leave exactly one checkpoint:
// replacing the previous one is the store's only garbage collection.
func TestMemorySaverKeepsOneCheckpointPerKey(t *testing.T) {
	s := NewMemorySaver(DefaultMemorySaverConfig())
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		cp := testCheckpoint(fmt.Sprintf("cp-%d", i), "ask")
		require.NoError(t, s.Put(ctx, "run-1", "wf-a", cp, nil))
		require.NoError(t, s.PutWrites(ctx, "run-1", "wf-a", cp.ID, []PendingWrite{
			{TaskID: "t", Channel: "out", Value: json.RawMessage(`1`)},
		}))
	}

	assert.Equal(t, 1, s.Len())
	tuple, err := s.Get(ctx, "run-1", "wf-a")
	require.NoError(t, err)
	assert.Equal(t, "cp-49", tuple.Checkpoint.ID)
	assert.Len(t, tuple.Writes, 1)
}

func TestMemorySaverNamespacesIndependent(t *testing.T) {
	s := NewMemorySaver(DefaultMemorySaverConfig())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "run-1", "wf-a", testCheckpoint("cp-a", "ask"), nil))
	require.NoError(t, s.Put(ctx, "run-1", "wf-b", testCheckpoint("cp-b", "greet"), nil))

	a, err := s.Get(ctx, "run-1", "wf-a")
	require.NoError(t, err)
	b, err := s.Get(ctx, "run-1", "wf-b")
	require.NoError(t, err)
	assert.Equal(t, "cp-a", a.Checkpoint.ID)
	assert.Equal(t, "cp-b", b.Checkpoint.ID)
}

func TestMemorySaverWritesFirstWins(t *testing.T) {
	s := NewMemorySaver(DefaultMemorySaverConfig())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "run-1", "wf-a", testCheckpoint("cp-1", "ask"), nil))
	require.NoError(t, s.PutWrites(ctx, "run-1", "wf-a", "cp-1", []PendingWrite{
		{TaskID: "t", Channel: "out", Value: json.RawMessage(`"first"`)},
	}))
	require.NoError(t, s.PutWrites(ctx, "run-1", "wf-a", "cp-1", []PendingWrite{
		{TaskID: "t", Channel: "out", Value: json.RawMessage(`"second"`)},
		{TaskID: "t", Channel: "__control", Value: json.RawMessage(`"a"`)},
	}))
	require.NoError(t, s.PutWrites(ctx, "run-1", "wf-a", "cp-1", []PendingWrite{
		{TaskID: "t", Channel: "__control", Value: json.RawMessage(`"b"`)},
	}))

	tuple, err := s.Get(ctx, "run-1", "wf-a")
	require.NoError(t, err)
	require.Len(t, tuple.Writes, 2)

	byChannel := map[string]string{}
	for _, w := range tuple.Writes {
		byChannel[w.Channel] = string(w.Value)
	}
	assert.Equal(t, `"first"`, byChannel["out"])
	assert.Equal(t, `"b"`, byChannel["__control"])
}

func TestMemorySaverWritesForStaleCheckpointIgnored(t *testing.T) {
	s := NewMemorySaver(DefaultMemorySaverConfig())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "run-1", "wf-a", testCheckpoint("cp-2", "ask"), nil))
	require.NoError(t, s.PutWrites(ctx, "run-1", "wf-a", "cp-1", []PendingWrite{
		{TaskID: "t", Channel: "out", Value: json.RawMessage(`1`)},
	}))

	tuple, err := s.Get(ctx, "run-1", "wf-a")
	require.NoError(t, err)
	assert.Empty(t, tuple.Writes)
}

func TestMemorySaverWriteCap(t *testing.T) {
	s := NewMemorySaver(MemorySaverConfig{MaxKeys: 4, MaxWritesPerCheckpoint: 3})
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "run-1", "wf-a", testCheckpoint("cp-1", "ask"), nil))
	writes := make([]PendingWrite, 10)
	for i := range writes {
		writes[i] = PendingWrite{TaskID: "t", Channel: fmt.Sprintf("ch-%d", i), Value: json.RawMessage(`1`)}
	}
	require.NoError(t, s.PutWrites(ctx, "run-1", "wf-a", "cp-1", writes))

	tuple, err := s.Get(ctx, "run-1", "wf-a")
	require.NoError(t, err)
	assert.Len(t, tuple.Writes, 3)
}

func TestMemorySaverLRUEviction(t *testing.T) {
	s := NewMemorySaver(MemorySaverConfig{MaxKeys: 3, MaxWritesPerCheckpoint: 10})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		run := fmt.Sprintf("run-%d", i)
		require.NoError(t, s.Put(ctx, run, "wf-a", testCheckpoint("cp", "ask"), nil))
	}

	// Touch run-0 so run-1 becomes least recently used.
	_, err := s.Get(ctx, "run-0", "wf-a")
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "run-3", "wf-a", testCheckpoint("cp", "ask"), nil))
	assert.Equal(t, 3, s.Len())

	evicted, err := s.Get(ctx, "run-1", "wf-a")
	require.NoError(t, err)
	assert.Nil(t, evicted)

	kept, err := s.Get(ctx, "run-0", "wf-a")
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestMemorySaverDeleteThread(t *testing.T) {
	s := NewMemorySaver(DefaultMemorySaverConfig())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "run-1", "wf-a", testCheckpoint("cp-1", "ask"), nil))
	require.NoError(t, s.Put(ctx, "run-1", "wf-b", testCheckpoint("cp-2", "greet"), nil))
	require.NoError(t, s.Put(ctx, "run-2", "wf-a", testCheckpoint("cp-3", "ask"), nil))

	require.NoError(t, s.DeleteThread(ctx, "run-1"))

	gone, err := s.Get(ctx, "run-1", "wf-a")
	require.NoError(t, err)
	assert.Nil(t, gone)
	kept, err := s.Get(ctx, "run-2", "wf-a")
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestMemoryAdapterCleanupRun(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()

	require.NoError(t, a.Saver.Put(ctx, "run-1", "wf-a", testCheckpoint("cp-1", "ask"), nil))
	require.NoError(t, a.CleanupRun(ctx, "run-1", []string{"wf-a"}))

	tuple, err := a.Saver.Get(ctx, "run-1", "wf-a")
	require.NoError(t, err)
	assert.Nil(t, tuple)
}
