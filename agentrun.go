// Package agentrun is a resumable agent-workflow runtime.
//
// It executes directed graphs of nodes (steps that may call an LLM, emit UI
// events, or pause for human input), streams incremental results to clients,
// and supports pausing mid-execution to await human input before resuming
// exactly where it left off — across process restarts when backed by Redis.
//
// Sub-packages:
//   - agent: orchestration core, resume handling, chat entry point
//   - graph: graph handle contract and event unions
//   - workflow: workflow definitions, registry, and the engine
//   - pending: durable pending-request (interrupt) records
//   - checkpoint: bounded checkpoint stores and the runtime adapter
//   - state: graph state, memory envelope, deep merge semantics
//   - stream: client-facing chunk stream types and transport
package agentrun

// Version is the current agentrun release version.
const Version = "0.3.0"
