package models

import "strings"

// ExecutionContext is the mutable execution state for one instance. It is
// owned exclusively by the instance and serialized as a single unit on every
// transition.
type ExecutionContext struct {
	InstanceID   string         `json:"instance_id"`
	CurrentNode  string         `json:"current_node"`
	PreviousNode string         `json:"previous_node,omitempty"`
	Visited      []string       `json:"visited,omitempty"`
	Pending      []string       `json:"pending,omitempty"`
	FormData     map[string]any `json:"form_data,omitempty"`
	Variables    map[string]any `json:"variables,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// NewExecutionContext creates an execution context positioned at the given
// node with variables seeded from the definition defaults.
func NewExecutionContext(instanceID, nodeID string, variables map[string]any) *ExecutionContext {
	if variables == nil {
		variables = make(map[string]any)
	}

	return &ExecutionContext{
		InstanceID:  instanceID,
		CurrentNode: nodeID,
		Variables:   variables,
		FormData:    make(map[string]any),
		Metadata:    make(map[string]any),
	}
}

// Advance moves the context to the next node, recording the visit history.
func (c *ExecutionContext) Advance(nodeID string) {
	c.PreviousNode = c.CurrentNode
	c.Visited = append(c.Visited, c.CurrentNode)
	c.CurrentNode = nodeID
}

// MergeFormData merges submitted values into the form data map key-wise.
func (c *ExecutionContext) MergeFormData(data map[string]any) {
	if c.FormData == nil {
		c.FormData = make(map[string]any, len(data))
	}

	for k, v := range data {
		c.FormData[k] = v
	}
}

// SetVariable stores a workflow-scoped variable.
func (c *ExecutionContext) SetVariable(name string, value any) {
	if c.Variables == nil {
		c.Variables = make(map[string]any)
	}

	c.Variables[name] = value
}

// Lookup resolves a dotted path against the context. Resolution order:
// direct top-level keys, then form data, then variables, then metadata, then
// a generic recursive search across the whole context as fallback.
func (c *ExecutionContext) Lookup(path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	parts := strings.Split(path, ".")

	if value, ok := c.lookupTopLevel(parts); ok {
		return value, true
	}

	for _, scope := range []map[string]any{c.FormData, c.Variables, c.Metadata} {
		if value, ok := lookupIn(scope, parts); ok {
			return value, true
		}
	}

	return recursiveLookup(c.asMap(), parts, 0)
}

func (c *ExecutionContext) lookupTopLevel(parts []string) (any, bool) {
	head := parts[0]

	var root any

	switch head {
	case "instance_id", "instanceId":
		root = c.InstanceID
	case "current_node", "currentNode":
		root = c.CurrentNode
	case "previous_node", "previousNode":
		root = c.PreviousNode
	case "form_data", "formData":
		root = c.FormData
	case "variables":
		root = c.Variables
	case "metadata":
		root = c.Metadata
	default:
		return nil, false
	}

	if len(parts) == 1 {
		return root, true
	}

	scope, ok := root.(map[string]any)
	if !ok {
		return nil, false
	}

	return lookupIn(scope, parts[1:])
}

func (c *ExecutionContext) asMap() map[string]any {
	return map[string]any{
		"form_data": c.FormData,
		"variables": c.Variables,
		"metadata":  c.Metadata,
	}
}

const maxLookupDepth = 8

// recursiveLookup searches nested maps for a scope where the path resolves.
// Depth is bounded to keep pathological contexts cheap.
func recursiveLookup(scope map[string]any, parts []string, depth int) (any, bool) {
	if scope == nil || depth > maxLookupDepth {
		return nil, false
	}

	if value, ok := lookupIn(scope, parts); ok {
		return value, true
	}

	for _, value := range scope {
		if nested, ok := value.(map[string]any); ok {
			if found, ok := recursiveLookup(nested, parts, depth+1); ok {
				return found, true
			}
		}
	}

	return nil, false
}

// lookupIn walks a dotted path through nested string-keyed maps.
func lookupIn(scope map[string]any, parts []string) (any, bool) {
	if scope == nil {
		return nil, false
	}

	var current any = scope

	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}

	return current, true
}
