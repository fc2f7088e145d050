// Package models defines the core domain models for durable workflow execution.
package models

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// NodeType identifies the behavior of a node in a workflow graph.
type NodeType string

const (
	NodeTypeStart     NodeType = "start"
	NodeTypeEnd       NodeType = "end"
	NodeTypeForm      NodeType = "form"
	NodeTypeCondition NodeType = "condition"
	NodeTypeAction    NodeType = "action"
	NodeTypeWait      NodeType = "wait"
	NodeTypeApproval  NodeType = "approval"
)

// ErrorHandlingPolicy controls what the engine does when a node fails.
type ErrorHandlingPolicy string

const (
	ErrorHandlingStop     ErrorHandlingPolicy = "stop"
	ErrorHandlingContinue ErrorHandlingPolicy = "continue"
	ErrorHandlingRollback ErrorHandlingPolicy = "rollback"
)

// Node is a typed step in a workflow graph. Position fields are display-only
// and carried through untouched for the editor.
type Node struct {
	ID        string         `json:"id"        validate:"required"`
	Type      NodeType       `json:"type"      validate:"required"`
	Name      string         `json:"name"`
	Config    map[string]any `json:"config"`
	PositionX int            `json:"position_x"`
	PositionY int            `json:"position_y"`
}

// Edge is a directed link between two nodes. Conditions, when present, guard
// traversal out of condition nodes and are evaluated in declaration order.
type Edge struct {
	ID          string      `json:"id"     validate:"required"`
	From        string      `json:"from"   validate:"required"`
	To          string      `json:"to"     validate:"required"`
	Label       string      `json:"label,omitempty"`
	Conditions  []Predicate `json:"conditions,omitempty"`
	ConditionOp LogicOp     `json:"condition_op,omitempty"`
}

// HasConditions reports whether traversal of this edge is guarded.
func (e *Edge) HasConditions() bool {
	return len(e.Conditions) > 0
}

// Variable declares a workflow-scoped mutable value seeded into every new
// instance's context.
type Variable struct {
	Name    string    `json:"name" validate:"required"`
	Type    ValueType `json:"type"`
	Default any       `json:"default,omitempty"`
}

// NotificationPolicy describes which lifecycle transitions should notify.
type NotificationPolicy struct {
	OnComplete bool     `json:"on_complete"`
	OnFail     bool     `json:"on_fail"`
	Channels   []string `json:"channels,omitempty"`
}

// WorkflowConfig carries workflow-level execution settings.
type WorkflowConfig struct {
	// MaxExecutionTime is advisory; enforcement belongs to an external
	// watchdog comparing StartedAt against now.
	MaxExecutionTime time.Duration       `json:"max_execution_time,omitempty"`
	ErrorHandling    ErrorHandlingPolicy `json:"error_handling,omitempty"`
	Notifications    NotificationPolicy  `json:"notifications,omitempty"`
}

// WorkflowDefinition is an immutable process graph. Instances reference
// definitions by ID; the engine re-fetches the definition on every traversal
// step rather than caching it across resumption boundaries.
type WorkflowDefinition struct {
	ID          string         `json:"id"          validate:"required"`
	Name        string         `json:"name"        validate:"required,min=3"`
	Description string         `json:"description,omitempty"`
	Version     int            `json:"version"`
	Nodes       []*Node        `json:"nodes"`
	Edges       []*Edge        `json:"edges"`
	Variables   []Variable     `json:"variables,omitempty"`
	Config      WorkflowConfig `json:"config"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

var validate = validator.New()

// NodeByID returns the node with the given id.
func (d *WorkflowDefinition) NodeByID(id string) (*Node, bool) {
	for _, node := range d.Nodes {
		if node.ID == id {
			return node, true
		}
	}

	return nil, false
}

// StartNode returns the single start node of the definition.
func (d *WorkflowDefinition) StartNode() (*Node, bool) {
	for _, node := range d.Nodes {
		if node.Type == NodeTypeStart {
			return node, true
		}
	}

	return nil, false
}

// OutgoingEdges returns the edges leaving the given node, in declaration order.
func (d *WorkflowDefinition) OutgoingEdges(nodeID string) []*Edge {
	var edges []*Edge

	for _, edge := range d.Edges {
		if edge.From == nodeID {
			edges = append(edges, edge)
		}
	}

	return edges
}

// SeedVariables builds the initial variables map from declared defaults.
func (d *WorkflowDefinition) SeedVariables() map[string]any {
	seeded := make(map[string]any, len(d.Variables))

	for _, variable := range d.Variables {
		if variable.Default != nil {
			seeded[variable.Name] = variable.Default
		}
	}

	return seeded
}

// Validate checks struct constraints and the graph invariants: exactly one
// start node, at least one end node, unique node ids, edge endpoints that
// reference declared nodes, and reachability of every non-start node.
func (d *WorkflowDefinition) Validate() error {
	err := validate.Struct(d)
	if err != nil {
		return NewValidationError("definition", err.Error())
	}

	nodeIDs := make(map[string]bool, len(d.Nodes))
	startCount := 0
	endCount := 0

	for _, node := range d.Nodes {
		if nodeIDs[node.ID] {
			return NewValidationError("nodes", fmt.Sprintf("duplicate node id %q", node.ID))
		}

		nodeIDs[node.ID] = true

		switch node.Type {
		case NodeTypeStart:
			startCount++
		case NodeTypeEnd:
			endCount++
		}
	}

	if startCount != 1 {
		return NewValidationError("nodes", fmt.Sprintf("workflow must have exactly one start node, found %d", startCount))
	}

	if endCount == 0 {
		return NewValidationError("nodes", "workflow must have at least one end node")
	}

	incoming := make(map[string]bool, len(d.Nodes))

	for _, edge := range d.Edges {
		if !nodeIDs[edge.From] {
			return NewValidationError("edges", fmt.Sprintf("edge %q references unknown source node %q", edge.ID, edge.From))
		}

		if !nodeIDs[edge.To] {
			return NewValidationError("edges", fmt.Sprintf("edge %q references unknown target node %q", edge.ID, edge.To))
		}

		incoming[edge.To] = true
	}

	for _, node := range d.Nodes {
		if node.Type == NodeTypeStart {
			continue
		}

		if !incoming[node.ID] {
			return NewValidationError("nodes", fmt.Sprintf("node %q is not reachable by any edge", node.ID))
		}
	}

	return nil
}
