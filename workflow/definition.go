// Package workflow defines executable workflow graphs: a declarative
// Definition of named nodes and edges, a process-local Registry, and the
// Engine that runs a definition as a resumable graph execution.
package workflow

import (
	"fmt"
	"time"

	"github.com/BaSui01/agentrun/graph"
	"github.com/BaSui01/agentrun/state"
)

// RetryPolicy controls per-node retries. Zero values mean a single attempt
// with no delay.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	Delay       time.Duration `json:"delay" yaml:"delay"`
}

// Node is one executable step of a workflow. Routing is resolved in order:
// the node result's explicit Next, then Branches, then the static Next edge.
// An empty resolution ends the graph.
type Node struct {
	Name string

	// Run executes the node. Required.
	Run graph.NodeFunc

	// Next is the static outgoing edge.
	Next string

	// Branches picks the outgoing edge from the post-update state. Takes
	// precedence over Next when set.
	Branches func(st *state.GraphState) string

	Retry RetryPolicy
}

// Definition is a complete workflow graph keyed by node name.
type Definition struct {
	ID    string
	Start string
	Nodes map[string]*Node
}

// Validate checks the definition is runnable: a known start node, a run
// function per node, and static edges that resolve. Branch targets are
// checked at execution time since they depend on state.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("workflow has no id")
	}
	if d.Start == "" {
		return fmt.Errorf("workflow %s has no start node", d.ID)
	}
	if _, ok := d.Nodes[d.Start]; !ok {
		return fmt.Errorf("workflow %s: start node not found: %s", d.ID, d.Start)
	}
	for name, node := range d.Nodes {
		if node == nil || node.Run == nil {
			return fmt.Errorf("workflow %s: node %s has no run function", d.ID, name)
		}
		if node.Next != "" {
			if _, ok := d.Nodes[node.Next]; !ok {
				return fmt.Errorf("workflow %s: node %s: next node not found: %s", d.ID, name, node.Next)
			}
		}
	}
	return nil
}
