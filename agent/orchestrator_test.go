package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/checkpoint"
	"github.com/BaSui01/agentrun/graph"
	"github.com/BaSui01/agentrun/internal/metrics"
	"github.com/BaSui01/agentrun/pending"
	"github.com/BaSui01/agentrun/state"
	"github.com/BaSui01/agentrun/stream"
	"github.com/BaSui01/agentrun/workflow"
)

func newTestAgent(t *testing.T, defs ...*workflow.Definition) *Agent {
	t.Helper()

	registry := workflow.NewRegistry()
	for _, def := range defs {
		require.NoError(t, registry.Register(def))
	}

	defaultID := ""
	if len(defs) > 0 {
		defaultID = defs[0].ID
	}

	a, err := New(Options{
		Registry:          registry,
		Adapter:           checkpoint.NewMemoryAdapter(),
		DefaultWorkflowID: defaultID,
		Logger:            zap.NewNop(),
	})
	require.NoError(t, err)
	return a
}

func collect(t *testing.T, chunks <-chan stream.Chunk) []stream.Chunk {
	t.Helper()
	var out []stream.Chunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatalf("stream did not terminate; got %d chunks", len(out))
		}
	}
}

func byType(chunks []stream.Chunk, ct stream.ChunkType) []stream.Chunk {
	var out []stream.Chunk
	for _, c := range chunks {
		if c.Type == ct {
			out = append(out, c)
		}
	}
	return out
}

func finalState(t *testing.T, chunks []stream.Chunk) *state.GraphState {
	t.Helper()
	dones := byType(chunks, stream.ChunkDone)
	require.Len(t, dones, 1)
	st, ok := dones[0].Data.(*state.GraphState)
	require.True(t, ok, "done chunk carries the final state")
	return st
}

// requireTerminated asserts the stream invariant: exactly one done chunk,
// as the last chunk.
func requireTerminated(t *testing.T, chunks []stream.Chunk) {
	t.Helper()
	require.NotEmpty(t, chunks)
	assert.Len(t, byType(chunks, stream.ChunkDone), 1)
	assert.Equal(t, stream.ChunkDone, chunks[len(chunks)-1].Type)
}

func greetingWorkflow() *workflow.Definition {
	return &workflow.Definition{
		ID:    "greeting",
		Start: "greet",
		Nodes: map[string]*workflow.Node{
			"greet": {
				Name: "greet",
				Run: func(_ context.Context, nc *graph.NodeContext, _ *state.GraphState) (*graph.NodeResult, error) {
					nc.Message("hello!")
					return &graph.NodeResult{Update: state.Update{Data: map[string]any{"greeted": true}}}, nil
				},
			},
		},
	}
}

func approvalWorkflow() *workflow.Definition {
	return &workflow.Definition{
		ID:    "approval",
		Start: "ask",
		Nodes: map[string]*workflow.Node{
			"ask": {
				Name: "ask",
				Run: func(_ context.Context, nc *graph.NodeContext, _ *state.GraphState) (*graph.NodeResult, error) {
					answer, err := nc.AwaitInput(graph.InputRequest{
						Kind:     stream.InputChoice,
						Question: "Proceed?",
						Options: []graph.InputOption{
							{ID: "a", Label: "A", Value: "value-a"},
							{ID: "b", Label: "B", Value: "value-b"},
						},
					})
					if err != nil {
						return nil, err
					}
					return &graph.NodeResult{Update: state.Update{Data: map[string]any{"answer": answer}}}, nil
				},
				Next: "finish",
			},
			"finish": {
				Name: "finish",
				Run: func(_ context.Context, nc *graph.NodeContext, _ *state.GraphState) (*graph.NodeResult, error) {
					nc.Message("decision recorded")
					return &graph.NodeResult{}, nil
				},
			},
		},
	}
}

func TestRunStreamInvariants(t *testing.T) {
	a := newTestAgent(t, greetingWorkflow())

	st, err := state.BuildInitialState(state.InitialStateArgs{Input: "hi", DefaultWorkflowID: "greeting"})
	require.NoError(t, err)

	chunks := collect(t, a.Run(context.Background(), RunParams{SessionID: "sess-1", RunID: "run-1", State: st}))

	requireTerminated(t, chunks)
	require.Equal(t, stream.ChunkSession, chunks[0].Type)
	assert.Equal(t, "sess-1", chunks[0].SessionID)

	messages := byType(chunks, stream.ChunkMessage)
	require.Len(t, messages, 1)
	assert.Equal(t, "hello!", messages[0].Content)

	final := finalState(t, chunks)
	assert.Equal(t, true, final.Data["greeted"])
}

func TestRunCleansUpOnCompletion(t *testing.T) {
	a := newTestAgent(t, greetingWorkflow())
	ctx := context.Background()

	st, err := state.BuildInitialState(state.InitialStateArgs{Input: "hi", DefaultWorkflowID: "greeting"})
	require.NoError(t, err)

	collect(t, a.Run(ctx, RunParams{SessionID: "sess-1", RunID: "run-1", State: st}))

	tuple, err := a.adapter.Saver.Get(ctx, "run-1", "greeting")
	require.NoError(t, err)
	assert.Nil(t, tuple, "completed run leaves no checkpoint behind")
}

func TestRunUnknownWorkflowFails(t *testing.T) {
	a := newTestAgent(t, greetingWorkflow())

	st, err := state.BuildInitialState(state.InitialStateArgs{Input: "hi", DefaultWorkflowID: "ghost"})
	require.NoError(t, err)

	chunks := collect(t, a.Run(context.Background(), RunParams{SessionID: "sess-1", RunID: "run-1", State: st}))

	requireTerminated(t, chunks)
	errs := byType(chunks, stream.ChunkError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "unknown workflow")
}

func TestRunNodeErrorTerminatesStream(t *testing.T) {
	def := &workflow.Definition{
		ID:    "broken",
		Start: "boom",
		Nodes: map[string]*workflow.Node{
			"boom": {
				Name: "boom",
				Run: func(_ context.Context, _ *graph.NodeContext, _ *state.GraphState) (*graph.NodeResult, error) {
					return nil, errors.New("model unavailable")
				},
			},
		},
	}
	a := newTestAgent(t, def)

	st, err := state.BuildInitialState(state.InitialStateArgs{Input: "hi", DefaultWorkflowID: "broken"})
	require.NoError(t, err)

	chunks := collect(t, a.Run(context.Background(), RunParams{SessionID: "sess-1", RunID: "run-1", State: st}))

	requireTerminated(t, chunks)
	errs := byType(chunks, stream.ChunkError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "model unavailable")
	// The error chunk is immediately followed by the terminal done.
	assert.Equal(t, stream.ChunkError, chunks[len(chunks)-2].Type)
}

func TestRunCompileFailureIsCaught(t *testing.T) {
	a := newTestAgent(t, greetingWorkflow())
	a.compile = func(_ *workflow.Definition) (graph.Handle, error) {
		panic("compiler bug")
	}

	st, err := state.BuildInitialState(state.InitialStateArgs{Input: "hi", DefaultWorkflowID: "greeting"})
	require.NoError(t, err)

	chunks := collect(t, a.Run(context.Background(), RunParams{SessionID: "sess-1", RunID: "run-1", State: st}))

	requireTerminated(t, chunks)
	errs := byType(chunks, stream.ChunkError)
	require.Len(t, errs, 1)
	assert.Equal(t, "internal error", errs[0].Message)
}

func TestInterruptChunkCarriesCredentialsAndStripsValues(t *testing.T) {
	a := newTestAgent(t, approvalWorkflow())

	st, err := state.BuildInitialState(state.InitialStateArgs{Input: "hi", DefaultWorkflowID: "approval"})
	require.NoError(t, err)

	chunks := collect(t, a.Run(context.Background(), RunParams{SessionID: "sess-1", RunID: "run-1", State: st}))

	requireTerminated(t, chunks)
	interrupts := byType(chunks, stream.ChunkInterrupt)
	require.Len(t, interrupts, 1)

	ic := interrupts[0]
	assert.NotEmpty(t, ic.ResumeToken)
	assert.NotEmpty(t, ic.RequestID)
	assert.Equal(t, "approval", ic.Workflow)
	assert.Equal(t, "ask", ic.Node)
	require.NotNil(t, ic.Input)
	assert.Equal(t, stream.InputChoice, ic.Input.Kind)
	assert.Equal(t, "Proceed?", ic.Input.Question)
	require.Len(t, ic.Input.Options, 2)
	assert.Equal(t, "a", ic.Input.Options[0].ID)
	assert.Equal(t, "A", ic.Input.Options[0].Label)

	// The paused run keeps its checkpoint for the eventual resume.
	tuple, err := a.adapter.Saver.Get(context.Background(), "run-1", "approval")
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, "ask", tuple.Checkpoint.Node)
}

func TestInterruptRoundTrip(t *testing.T) {
	a := newTestAgent(t, approvalWorkflow())
	ctx := context.Background()

	st, err := state.BuildInitialState(state.InitialStateArgs{Input: "hi", DefaultWorkflowID: "approval"})
	require.NoError(t, err)

	chunks := collect(t, a.Run(ctx, RunParams{SessionID: "sess-1", RunID: "run-1", State: st}))
	interrupts := byType(chunks, stream.ChunkInterrupt)
	require.Len(t, interrupts, 1)
	token := interrupts[0].ResumeToken
	requestID := interrupts[0].RequestID

	// The record is persisted asynchronously.
	require.Eventually(t, func() bool {
		_, err := a.adapter.Pending.Get(ctx, token)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	msg := state.Message{
		Role:    "user",
		Content: "B please",
		Metadata: map[string]any{
			"resume": map[string]any{
				"token":     token,
				"requestId": requestID,
				"selected":  []any{"b"},
			},
		},
	}
	resumed := a.TryPrepareResumeStream(ctx, msg, "sess-1", nil)
	require.NotNil(t, resumed)

	resumedChunks := collect(t, resumed)
	requireTerminated(t, resumedChunks)
	assert.Empty(t, byType(resumedChunks, stream.ChunkInterrupt), "resume must not re-prompt")

	final := finalState(t, resumedChunks)
	assert.Equal(t, "value-b", final.Data["answer"], "resumed branch reflects the selected option's value")
	assert.Equal(t, "value-b", final.Data["selected"])
	assert.False(t, final.AwaitingHumanInput)

	// Single use: the record is gone, a second resume attempt is a no-op.
	_, err = a.adapter.Pending.Get(ctx, token)
	assert.Error(t, err)
	assert.Nil(t, a.TryPrepareResumeStream(ctx, msg, "sess-1", nil))

	// Completion of the resumed run cleaned up the checkpoint lineage.
	tuple, err := a.adapter.Saver.Get(ctx, "run-1", "approval")
	require.NoError(t, err)
	assert.Nil(t, tuple)
}

func choiceNode(question string, next string) *workflow.Node {
	return &workflow.Node{
		Name: question,
		Run: func(_ context.Context, nc *graph.NodeContext, _ *state.GraphState) (*graph.NodeResult, error) {
			answer, err := nc.AwaitInput(graph.InputRequest{
				Kind:     stream.InputChoice,
				Question: question,
				Options: []graph.InputOption{
					{ID: "a", Label: "A", Value: "value-a"},
					{ID: "b", Label: "B", Value: "value-b"},
				},
			})
			if err != nil {
				return nil, err
			}
			return &graph.NodeResult{Update: state.Update{Data: map[string]any{question: answer}}}, nil
		},
		Next: next,
	}
}

func TestResumedRunSecondPauseKeepsCheckpoint(t *testing.T) {
	first := choiceNode("first", "second")
	second := choiceNode("second", "")
	def := &workflow.Definition{
		ID:    "twoq",
		Start: "first",
		Nodes: map[string]*workflow.Node{"first": first, "second": second},
	}
	a := newTestAgent(t, def)
	ctx := context.Background()

	st, err := state.BuildInitialState(state.InitialStateArgs{Input: "hi", DefaultWorkflowID: "twoq"})
	require.NoError(t, err)

	chunks := collect(t, a.Run(ctx, RunParams{SessionID: "sess-1", RunID: "run-1", State: st}))
	interrupts := byType(chunks, stream.ChunkInterrupt)
	require.Len(t, interrupts, 1)
	token := interrupts[0].ResumeToken
	requestID := interrupts[0].RequestID

	require.Eventually(t, func() bool {
		_, err := a.adapter.Pending.Get(ctx, token)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	msg := state.Message{
		Role:    "user",
		Content: "A",
		Metadata: map[string]any{
			"resume": map[string]any{"token": token, "requestId": requestID, "selected": "a"},
		},
	}
	resumed := a.TryPrepareResumeStream(ctx, msg, "sess-1", nil)
	require.NotNil(t, resumed)

	resumedChunks := collect(t, resumed)
	requireTerminated(t, resumedChunks)
	assert.Empty(t, byType(resumedChunks, stream.ChunkInterrupt), "no new prompt while resuming")

	final := finalState(t, resumedChunks)
	assert.Equal(t, "value-a", final.Data["first"])
	assert.True(t, final.AwaitingHumanInput, "the run paused again at the second question")

	// The pause point survives: the checkpoint of the still-awaiting run
	// must not be cleaned up.
	tuple, err := a.adapter.Saver.Get(ctx, "run-1", "twoq")
	require.NoError(t, err)
	require.NotNil(t, tuple, "checkpoint retained while the run awaits input")
	assert.Equal(t, "second", tuple.Checkpoint.Node)
}

// pausingHandle yields immediately with an awaiting final state and no sink
// emission, the shape of an engine that only reports pauses through state.
type pausingHandle struct {
	final *state.GraphState
}

func (h *pausingHandle) StreamEvents(_ context.Context, _ graph.Invocation, _ graph.Options) <-chan graph.RawEvent {
	ch := make(chan graph.RawEvent, 1)
	ch <- graph.RawEvent{Kind: graph.RawGraphEnd, Final: h.final}
	close(ch)
	return ch
}

func TestStateDetectedInterruptCarriesOptionValues(t *testing.T) {
	a := newTestAgent(t, greetingWorkflow())
	ctx := context.Background()

	final := &state.GraphState{
		CurrentWorkflow:    "greeting",
		LastNode:           "confirm",
		AwaitingHumanInput: true,
		HumanInputPayload: map[string]any{
			"kind":     "choice",
			"question": "Proceed?",
			"options": []any{
				map[string]any{"id": "a", "label": "A", "value": "value-a"},
				map[string]any{"id": "b", "label": "B", "value": "value-b"},
			},
		},
	}
	a.compile = func(_ *workflow.Definition) (graph.Handle, error) {
		return &pausingHandle{final: final}, nil
	}

	st, err := state.BuildInitialState(state.InitialStateArgs{Input: "hi", DefaultWorkflowID: "greeting"})
	require.NoError(t, err)

	chunks := collect(t, a.Run(ctx, RunParams{SessionID: "sess-1", RunID: "run-1", State: st}))
	requireTerminated(t, chunks)

	interrupts := byType(chunks, stream.ChunkInterrupt)
	require.Len(t, interrupts, 1)
	ic := interrupts[0]
	assert.NotEmpty(t, ic.ResumeToken)
	require.NotNil(t, ic.Input)
	require.Len(t, ic.Input.Options, 2, "options recorded on the state reach the client")
	assert.Equal(t, "a", ic.Input.Options[0].ID)
	assert.Equal(t, "B", ic.Input.Options[1].Label)

	// The pending record keeps the canonical values so resume can resolve
	// the selected ids.
	var rec *pending.Record
	require.Eventually(t, func() bool {
		var err error
		rec, err = a.adapter.Pending.Get(ctx, ic.ResumeToken)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	require.Len(t, rec.Options, 2)
	assert.Equal(t, "value-b", rec.Options[1].Value)
}

func TestFailCountsOnlyAcceptedChunks(t *testing.T) {
	ctx := context.Background()

	setup := func(namespace string) (*runner, *prometheus.Registry, *stream.Writer) {
		reg := prometheus.NewRegistry()
		a := newTestAgent(t, greetingWorkflow())
		a.metrics = metrics.NewCollector(namespace, reg)
		w := stream.NewWriter(8)
		return &runner{a: a, w: w, logger: zap.NewNop()}, reg, w
	}

	r, reg, w := setup("live")
	r.fail(ctx, "boom")
	n, err := testutil.GatherAndCount(reg, "live_chunks_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "error and done both counted on a live stream")
	for range w.Chunks() {
	}

	// A failure after the stream already terminated emits nothing, so
	// nothing may be counted.
	r, reg, w = setup("late")
	w.Done(ctx, nil)
	r.fail(ctx, "too late")
	n, err = testutil.GatherAndCount(reg, "late_chunks_total")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	for range w.Chunks() {
	}
}

func TestTransitionChaining(t *testing.T) {
	intake := &workflow.Definition{
		ID:    "intake",
		Start: "route",
		Nodes: map[string]*workflow.Node{
			"route": {
				Name: "route",
				Run: func(_ context.Context, nc *graph.NodeContext, _ *state.GraphState) (*graph.NodeResult, error) {
					nc.Transition("billing", map[string]any{"x": 1})
					return &graph.NodeResult{
						Update: state.Update{Data: map[string]any{"routed": true}},
						End:    true,
					}, nil
				},
			},
		},
	}
	billing := &workflow.Definition{
		ID:    "billing",
		Start: "handle",
		Nodes: map[string]*workflow.Node{
			"handle": {
				Name: "handle",
				Run: func(_ context.Context, _ *graph.NodeContext, st *state.GraphState) (*graph.NodeResult, error) {
					return &graph.NodeResult{Update: state.Update{Data: map[string]any{"handled": st.Data["x"]}}}, nil
				},
			},
		},
	}
	a := newTestAgent(t, intake, billing)

	st, err := state.BuildInitialState(state.InitialStateArgs{Input: "hi", DefaultWorkflowID: "intake"})
	require.NoError(t, err)

	chunks := collect(t, a.Run(context.Background(), RunParams{SessionID: "sess-1", RunID: "run-1", State: st}))

	// Exactly one done for the whole chain, none between the workflows.
	requireTerminated(t, chunks)

	transitions := byType(chunks, stream.ChunkTransition)
	require.Len(t, transitions, 1)
	assert.Equal(t, "billing", transitions[0].TransitionTo)

	final := finalState(t, chunks)
	assert.Equal(t, "billing", final.CurrentWorkflow)
	assert.Equal(t, true, final.Data["routed"], "prior workflow data carried over")
	assert.Equal(t, 1, final.Data["x"], "transition payload merged")
	assert.Equal(t, 1, final.Data["handled"])
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func statusWorkflow(between func()) *workflow.Definition {
	return &workflow.Definition{
		ID:    "status",
		Start: "work",
		Nodes: map[string]*workflow.Node{
			"work": {
				Name: "work",
				Run: func(_ context.Context, nc *graph.NodeContext, _ *state.GraphState) (*graph.NodeResult, error) {
					nc.Status("checking inventory")
					between()
					nc.Status("checking inventory")
					return &graph.NodeResult{}, nil
				},
			},
		},
	}
}

func runStatusScenario(t *testing.T, advance time.Duration) int {
	t.Helper()

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	def := statusWorkflow(func() {
		if advance > 0 {
			clock.Advance(advance)
		}
	})

	a := newTestAgent(t, def)
	a.features.Tracing = true
	a.now = clock.Now

	st, err := state.BuildInitialState(state.InitialStateArgs{Input: "hi", DefaultWorkflowID: "status"})
	require.NoError(t, err)

	chunks := collect(t, a.Run(context.Background(), RunParams{SessionID: "sess-1", RunID: "run-1", State: st}))
	requireTerminated(t, chunks)

	count := 0
	for _, c := range byType(chunks, stream.ChunkStatus) {
		if c.Message == "checking inventory" {
			count++
		}
	}
	return count
}

func TestStatusDeduplication(t *testing.T) {
	assert.Equal(t, 1, runStatusScenario(t, 0), "identical statuses inside the window collapse")
	assert.Equal(t, 2, runStatusScenario(t, 500*time.Millisecond), "statuses apart pass through")
}

func TestStatusSuppressedWithoutTracing(t *testing.T) {
	def := statusWorkflow(func() {})
	a := newTestAgent(t, def)

	st, err := state.BuildInitialState(state.InitialStateArgs{Input: "hi", DefaultWorkflowID: "status"})
	require.NoError(t, err)

	chunks := collect(t, a.Run(context.Background(), RunParams{SessionID: "sess-1", RunID: "run-1", State: st}))
	assert.Empty(t, byType(chunks, stream.ChunkStatus))
}

func TestTextStreamingChunks(t *testing.T) {
	def := &workflow.Definition{
		ID:    "writer",
		Start: "compose",
		Nodes: map[string]*workflow.Node{
			"compose": {
				Name: "compose",
				Run: func(_ context.Context, nc *graph.NodeContext, _ *state.GraphState) (*graph.NodeResult, error) {
					nc.TextStart()
					nc.TextDelta("Hello, ")
					nc.TextDelta("")
					nc.TextDelta("world")
					nc.TextEnd()
					return &graph.NodeResult{}, nil
				},
			},
		},
	}
	a := newTestAgent(t, def)

	st, err := state.BuildInitialState(state.InitialStateArgs{Input: "hi", DefaultWorkflowID: "writer"})
	require.NoError(t, err)

	chunks := collect(t, a.Run(context.Background(), RunParams{SessionID: "sess-1", RunID: "run-1", State: st}))
	requireTerminated(t, chunks)

	deltas := byType(chunks, stream.ChunkTextDelta)
	require.Len(t, deltas, 2, "empty deltas are dropped")
	assert.Equal(t, "Hello, ", deltas[0].Delta)
	assert.Equal(t, "world", deltas[1].Delta)
	assert.Equal(t, "compose", deltas[0].Node)
	assert.Len(t, byType(chunks, stream.ChunkTextStart), 1)
	assert.Len(t, byType(chunks, stream.ChunkTextEnd), 1)
}
