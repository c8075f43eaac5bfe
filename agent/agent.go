// Package agent contains the orchestration core: it drives graph executions
// to completion or pause, multiplexes node emissions into the client chunk
// stream, persists interrupts, performs workflow handoffs, and turns inbound
// chat requests (fresh or resuming) into chunk streams.
package agent

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/checkpoint"
	"github.com/BaSui01/agentrun/graph"
	"github.com/BaSui01/agentrun/internal/metrics"
	"github.com/BaSui01/agentrun/pending"
	"github.com/BaSui01/agentrun/workflow"
)

// statusDedupWindow suppresses a status repeating the previous message text
// within this window.
const statusDedupWindow = 250 * time.Millisecond

// CompileGraphFunc turns a workflow definition into a runnable graph handle.
// The default compiles through the workflow engine; tests substitute fakes.
type CompileGraphFunc func(def *workflow.Definition) (graph.Handle, error)

// ApplyResumeSelectionFunc maps a pending record plus the normalized
// selection to the data patch merged into the resumed state.
type ApplyResumeSelectionFunc func(rec *pending.Record, selected []string) map[string]any

// Features toggles optional runtime behavior.
type Features struct {
	// Tracing enables status chunk emission and per-pass spans.
	Tracing bool `json:"tracing" yaml:"tracing"`
}

// Options configures an Agent. Registry and Adapter are required.
type Options struct {
	Registry          *workflow.Registry
	Adapter           *checkpoint.Adapter
	DefaultWorkflowID string
	Features          Features
	Logger            *zap.Logger
	Metrics           *metrics.Collector

	// Compile overrides graph compilation.
	Compile CompileGraphFunc

	// ApplyResumeSelection overrides the default resume patch mapping.
	ApplyResumeSelection ApplyResumeSelectionFunc

	// Buffer is the chunk stream buffer size; zero uses the stream default.
	Buffer int
}

// Agent is the runtime facade. One Agent serves many concurrent runs; all
// per-run state lives in the orchestrator loop, never on the Agent.
type Agent struct {
	registry          *workflow.Registry
	adapter           *checkpoint.Adapter
	defaultWorkflowID string
	features          Features
	logger            *zap.Logger
	metrics           *metrics.Collector
	tracer            trace.Tracer
	compile           CompileGraphFunc
	applySelection    ApplyResumeSelectionFunc
	buffer            int

	// now is the clock used for status de-duplication; injectable for
	// deterministic tests.
	now func() time.Time
}

// New creates an Agent.
func New(opts Options) (*Agent, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("agent: registry is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("agent: adapter is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Agent{
		registry:          opts.Registry,
		adapter:           opts.Adapter,
		defaultWorkflowID: opts.DefaultWorkflowID,
		features:          opts.Features,
		logger:            logger.With(zap.String("component", "agent")),
		metrics:           opts.Metrics,
		tracer:            otel.Tracer("agentrun/agent"),
		applySelection:    opts.ApplyResumeSelection,
		buffer:            opts.Buffer,
		now:               time.Now,
	}
	if a.applySelection == nil {
		a.applySelection = DefaultResumeSelection
	}
	a.compile = opts.Compile
	if a.compile == nil {
		a.compile = func(def *workflow.Definition) (graph.Handle, error) {
			return workflow.NewEngine(def, a.adapter.Saver, logger)
		}
	}
	return a, nil
}

// DefaultResumeSelection stores the first selected value under the
// "selected" key, resolving option ids to their canonical values.
func DefaultResumeSelection(rec *pending.Record, selected []string) map[string]any {
	if len(selected) == 0 {
		return nil
	}
	return map[string]any{"selected": resolveOptionValue(rec, selected[0])}
}

// resolveOptionValue maps one selected id to the matching option's canonical
// value, falling back to the raw id for text answers and unknown ids.
func resolveOptionValue(rec *pending.Record, id string) any {
	for _, opt := range rec.Options {
		if opt.ID == id {
			if opt.Value != nil {
				return opt.Value
			}
			return opt.ID
		}
	}
	return id
}
