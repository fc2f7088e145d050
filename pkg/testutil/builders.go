// Package testutil provides builders to assemble workflow definitions in
// tests without repeating graph boilerplate.
package testutil

import (
	"time"

	"github.com/pathrun/pathrun/pkg/models"
)

// DefinitionOption mutates a definition under construction.
type DefinitionOption func(*models.WorkflowDefinition)

// Definition builds a named workflow definition.
func Definition(id string, opts ...DefinitionOption) *models.WorkflowDefinition {
	now := time.Now().UTC()

	definition := &models.WorkflowDefinition{
		ID:        id,
		Name:      "Test Workflow",
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	for _, opt := range opts {
		opt(definition)
	}

	return definition
}

// WithName overrides the definition name.
func WithName(name string) DefinitionOption {
	return func(d *models.WorkflowDefinition) {
		d.Name = name
	}
}

// WithNodes appends nodes to the definition.
func WithNodes(nodes ...*models.Node) DefinitionOption {
	return func(d *models.WorkflowDefinition) {
		d.Nodes = append(d.Nodes, nodes...)
	}
}

// WithEdges appends edges to the definition.
func WithEdges(edges ...*models.Edge) DefinitionOption {
	return func(d *models.WorkflowDefinition) {
		d.Edges = append(d.Edges, edges...)
	}
}

// WithVariables declares workflow variables.
func WithVariables(variables ...models.Variable) DefinitionOption {
	return func(d *models.WorkflowDefinition) {
		d.Variables = append(d.Variables, variables...)
	}
}

// WithErrorHandling sets the error handling policy.
func WithErrorHandling(policy models.ErrorHandlingPolicy) DefinitionOption {
	return func(d *models.WorkflowDefinition) {
		d.Config.ErrorHandling = policy
	}
}

// Node builds a node of the given type.
func Node(id string, nodeType models.NodeType, config map[string]any) *models.Node {
	return &models.Node{
		ID:     id,
		Type:   nodeType,
		Name:   id,
		Config: config,
	}
}

// Edge builds an unguarded edge.
func Edge(id, from, to string) *models.Edge {
	return &models.Edge{ID: id, From: from, To: to}
}

// LabeledEdge builds an unguarded edge with a label.
func LabeledEdge(id, from, to, label string) *models.Edge {
	return &models.Edge{ID: id, From: from, To: to, Label: label}
}

// GuardedEdge builds an edge guarded by predicates.
func GuardedEdge(id, from, to string, op models.LogicOp, predicates ...models.Predicate) *models.Edge {
	return &models.Edge{
		ID:          id,
		From:        from,
		To:          to,
		Conditions:  predicates,
		ConditionOp: op,
	}
}

// LinearDefinition builds start -> nodes... -> end with unguarded edges, in
// order.
func LinearDefinition(id string, nodes ...*models.Node) *models.WorkflowDefinition {
	all := make([]*models.Node, 0, len(nodes)+2)
	all = append(all, Node("start", models.NodeTypeStart, nil))
	all = append(all, nodes...)
	all = append(all, Node("end", models.NodeTypeEnd, nil))

	var edges []*models.Edge

	for i := 0; i < len(all)-1; i++ {
		edges = append(edges, Edge(
			"e"+all[i].ID+"-"+all[i+1].ID,
			all[i].ID,
			all[i+1].ID,
		))
	}

	return Definition(id, WithNodes(all...), WithEdges(edges...))
}
