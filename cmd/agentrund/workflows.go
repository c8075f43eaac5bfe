package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/BaSui01/agentrun/graph"
	"github.com/BaSui01/agentrun/state"
	"github.com/BaSui01/agentrun/stream"
	"github.com/BaSui01/agentrun/workflow"
)

const defaultWorkflowID = "support"

// registerWorkflows installs the built-in workflows. Deployments embedding
// the runtime register their own definitions instead.
func registerWorkflows(reg *workflow.Registry) error {
	if err := reg.Register(supportWorkflow()); err != nil {
		return err
	}
	return reg.Register(escalationWorkflow())
}

// supportWorkflow classifies the request, asks the user to confirm the
// category, and answers. Escalations hand off to the escalation workflow.
func supportWorkflow() *workflow.Definition {
	return &workflow.Definition{
		ID:    "support",
		Start: "classify",
		Nodes: map[string]*workflow.Node{
			"classify": {
				Name: "classify",
				Run: func(ctx context.Context, nc *graph.NodeContext, st *state.GraphState) (*graph.NodeResult, error) {
					nc.Status("classifying request")
					input, _ := st.Input.(string)
					category := "question"
					if strings.Contains(strings.ToLower(input), "refund") {
						category = "billing"
					}
					return &graph.NodeResult{Update: state.Update{
						Data:   map[string]any{"category": category},
						Intent: category,
					}}, nil
				},
				Next: "confirm",
			},
			"confirm": {
				Name: "confirm",
				Run: func(ctx context.Context, nc *graph.NodeContext, st *state.GraphState) (*graph.NodeResult, error) {
					category, _ := st.Data["category"].(string)
					answer, err := nc.AwaitInput(graph.InputRequest{
						Kind:     stream.InputChoice,
						Question: fmt.Sprintf("This looks like a %s request. How should we proceed?", category),
						Options: []graph.InputOption{
							{ID: "answer", Label: "Answer now", Value: "answer"},
							{ID: "escalate", Label: "Escalate to a human", Value: "escalate"},
						},
					})
					if err != nil {
						return nil, err
					}
					return &graph.NodeResult{Update: state.Update{
						Data: map[string]any{"decision": answer},
					}}, nil
				},
				Branches: func(st *state.GraphState) string {
					if st.Data["decision"] == "escalate" {
						return "handoff"
					}
					return "respond"
				},
			},
			"respond": {
				Name: "respond",
				Run: func(ctx context.Context, nc *graph.NodeContext, st *state.GraphState) (*graph.NodeResult, error) {
					nc.TextStart()
					for _, word := range []string{"Thanks", "for", "reaching", "out."} {
						nc.TextDelta(word + " ")
					}
					nc.TextEnd()
					return &graph.NodeResult{End: true}, nil
				},
			},
			"handoff": {
				Name: "handoff",
				Run: func(ctx context.Context, nc *graph.NodeContext, st *state.GraphState) (*graph.NodeResult, error) {
					nc.Transition("escalation", map[string]any{
						"category": st.Data["category"],
						"rawInput": st.Input,
					})
					return &graph.NodeResult{End: true}, nil
				},
			},
		},
	}
}

// escalationWorkflow files a ticket for a human operator.
func escalationWorkflow() *workflow.Definition {
	return &workflow.Definition{
		ID:    "escalation",
		Start: "file",
		Nodes: map[string]*workflow.Node{
			"file": {
				Name: "file",
				Run: func(ctx context.Context, nc *graph.NodeContext, st *state.GraphState) (*graph.NodeResult, error) {
					nc.Status("filing escalation ticket")
					nc.StructuredData("ticket", map[string]any{
						"category": st.Data["category"],
						"input":    st.Data["rawInput"],
					})
					nc.Message("Your request has been escalated. A human will follow up shortly.")
					return &graph.NodeResult{End: true}, nil
				},
			},
		},
	}
}
