package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pathrun/pathrun/pkg/conditions"
	"github.com/pathrun/pathrun/pkg/models"
)

// stepOutcome is the result of executing one node. Exactly one of nextNode,
// suspend or complete is set; a zero outcome means the node failed.
type stepOutcome struct {
	nextNode string
	suspend  bool
	reason   string
	complete bool
	output   map[string]any
}

func advanceTo(nodeID string) stepOutcome {
	return stepOutcome{nextNode: nodeID}
}

func suspendFor(reason string) stepOutcome {
	return stepOutcome{suspend: true, reason: reason}
}

// executeNode dispatches on the node type. resuming is true on the first step
// after a Resume call: suspension points treat it as their wake-up signal and
// advance instead of suspending again.
func (e *Engine) executeNode(
	ctx context.Context,
	definition *models.WorkflowDefinition,
	node *models.Node,
	instance *models.Instance,
	execCtx *models.ExecutionContext,
	resuming bool,
) (stepOutcome, error) {
	switch node.Type {
	case models.NodeTypeStart:
		return e.executeStart(definition, node, instance)
	case models.NodeTypeEnd:
		return stepOutcome{complete: true, output: execCtx.Variables}, nil
	case models.NodeTypeForm:
		return e.executeForm(definition, node, instance, execCtx)
	case models.NodeTypeCondition:
		return e.executeCondition(definition, node, instance, execCtx)
	case models.NodeTypeAction:
		return e.executeAction(ctx, definition, node, instance, execCtx)
	case models.NodeTypeWait:
		return e.executeWait(ctx, definition, node, instance, execCtx, resuming)
	case models.NodeTypeApproval:
		return e.executeApproval(ctx, definition, node, instance, execCtx, resuming)
	default:
		return stepOutcome{}, NewExecutionError(instance.ID, node.ID, fmt.Errorf("unsupported node type %q", node.Type))
	}
}

func (e *Engine) executeStart(
	definition *models.WorkflowDefinition,
	node *models.Node,
	instance *models.Instance,
) (stepOutcome, error) {
	next, err := e.singleOutgoing(definition, node, instance)
	if err != nil {
		return stepOutcome{}, err
	}

	return advanceTo(next), nil
}

// executeForm advances as soon as the required fields are present in the form
// data. Submitted values are merged upstream (Start's initial data or
// ResumeWithInput), so the node only validates and picks the outgoing edge.
func (e *Engine) executeForm(
	definition *models.WorkflowDefinition,
	node *models.Node,
	instance *models.Instance,
	execCtx *models.ExecutionContext,
) (stepOutcome, error) {
	if missing := missingRequiredFields(node, execCtx); len(missing) > 0 {
		return suspendFor(fmt.Sprintf("missing required fields: %v", missing)), nil
	}

	next, err := e.singleOutgoing(definition, node, instance)
	if err != nil {
		return stepOutcome{}, err
	}

	return advanceTo(next), nil
}

// executeCondition evaluates guarded outgoing edges in declaration order and
// follows the first whose predicates pass. The first unguarded edge is the
// default branch, consulted only when no guard matched.
func (e *Engine) executeCondition(
	definition *models.WorkflowDefinition,
	node *models.Node,
	instance *models.Instance,
	execCtx *models.ExecutionContext,
) (stepOutcome, error) {
	edges := definition.OutgoingEdges(node.ID)
	if len(edges) == 0 {
		return stepOutcome{}, NewExecutionError(instance.ID, node.ID, fmt.Errorf("condition node has no outgoing edges"))
	}

	defaultTo := ""
	hasDefault := false

	for _, edge := range edges {
		if !edge.HasConditions() {
			if !hasDefault {
				defaultTo = edge.To
				hasDefault = true
			}

			continue
		}

		matched, err := conditions.Evaluate(edge.Conditions, edge.ConditionOp, execCtx)
		if err != nil {
			return stepOutcome{}, NewExecutionError(instance.ID, node.ID, err)
		}

		if matched {
			return advanceTo(edge.To), nil
		}
	}

	if hasDefault {
		return advanceTo(defaultTo), nil
	}

	return stepOutcome{}, NewExecutionError(instance.ID, node.ID, fmt.Errorf("no matching branch"))
}

func (e *Engine) executeAction(
	ctx context.Context,
	definition *models.WorkflowDefinition,
	node *models.Node,
	instance *models.Instance,
	execCtx *models.ExecutionContext,
) (stepOutcome, error) {
	actionType, _ := node.Config["action_type"].(string)
	if actionType == "" {
		return stepOutcome{}, NewExecutionError(instance.ID, node.ID, fmt.Errorf("action node missing action_type"))
	}

	actionConfig, _ := node.Config["config"].(map[string]any)
	policy := retryPolicyFromConfig(node.Config)

	result, err := e.dispatcher.Execute(ctx, node.ID, actionType, actionConfig, execCtx, policy)
	if err != nil {
		return stepOutcome{}, NewExecutionError(instance.ID, node.ID, err)
	}

	next, err := e.singleOutgoing(definition, node, instance)
	if err != nil {
		return stepOutcome{}, err
	}

	return stepOutcome{nextNode: next, output: result}, nil
}

// executeWait suspends the instance and arms the durable task that will wake
// it. Three modes: duration, event and condition polling.
func (e *Engine) executeWait(
	ctx context.Context,
	definition *models.WorkflowDefinition,
	node *models.Node,
	instance *models.Instance,
	execCtx *models.ExecutionContext,
	resuming bool,
) (stepOutcome, error) {
	if resuming {
		next, err := e.singleOutgoing(definition, node, instance)
		if err != nil {
			return stepOutcome{}, err
		}

		return advanceTo(next), nil
	}

	mode, _ := node.Config["mode"].(string)
	if mode == "" {
		mode = "duration"
	}

	switch mode {
	case "duration":
		wait, err := durationFromConfig(node.Config, "duration")
		if err != nil {
			return stepOutcome{}, NewExecutionError(instance.ID, node.ID, err)
		}

		task := models.NewScheduledTask(newTaskID(), instance.ID, node.ID, models.TaskTypeWait, e.now().Add(wait))

		err = e.persistence.Tasks().Create(ctx, task)
		if err != nil {
			return stepOutcome{}, NewExecutionError(instance.ID, node.ID, err)
		}

	case "event":
		eventName, _ := node.Config["event"].(string)
		if eventName == "" {
			return stepOutcome{}, NewExecutionError(instance.ID, node.ID, fmt.Errorf("event wait missing event name"))
		}

		execCtx.Metadata["awaiting_event"] = eventName

	case "condition":
		predicates, op, err := predicatesFromConfig(node.Config)
		if err != nil {
			return stepOutcome{}, NewExecutionError(instance.ID, node.ID, err)
		}

		satisfied, err := conditions.Evaluate(predicates, op, execCtx)
		if err != nil {
			return stepOutcome{}, NewExecutionError(instance.ID, node.ID, err)
		}

		if satisfied {
			next, err := e.singleOutgoing(definition, node, instance)
			if err != nil {
				return stepOutcome{}, err
			}

			return advanceTo(next), nil
		}

		interval, err := durationFromConfig(node.Config, "poll_interval")
		if err != nil {
			return stepOutcome{}, NewExecutionError(instance.ID, node.ID, err)
		}

		task := models.NewScheduledTask(newTaskID(), instance.ID, node.ID, models.TaskTypeConditionCheck, e.now().Add(interval))
		task.Payload = map[string]any{
			"conditions":    node.Config["conditions"],
			"condition_op":  node.Config["condition_op"],
			"poll_interval": node.Config["poll_interval"],
		}

		err = e.persistence.Tasks().Create(ctx, task)
		if err != nil {
			return stepOutcome{}, NewExecutionError(instance.ID, node.ID, err)
		}

	default:
		return stepOutcome{}, NewExecutionError(instance.ID, node.ID, fmt.Errorf("unsupported wait mode %q", mode))
	}

	err := e.armTimeout(ctx, node, instance)
	if err != nil {
		return stepOutcome{}, err
	}

	return suspendFor("waiting: " + mode), nil
}

// executeApproval suspends until a decision arrives. On resume the decision
// picks the outgoing edge by label, falling back to edge guards.
func (e *Engine) executeApproval(
	ctx context.Context,
	definition *models.WorkflowDefinition,
	node *models.Node,
	instance *models.Instance,
	execCtx *models.ExecutionContext,
	resuming bool,
) (stepOutcome, error) {
	if resuming {
		return e.resolveApproval(definition, node, instance, execCtx)
	}

	if escalate, err := durationFromConfig(node.Config, "escalate_after"); err == nil && escalate > 0 {
		task := models.NewScheduledTask(newTaskID(), instance.ID, node.ID, models.TaskTypeEscalation, e.now().Add(escalate))

		err = e.persistence.Tasks().Create(ctx, task)
		if err != nil {
			return stepOutcome{}, NewExecutionError(instance.ID, node.ID, err)
		}
	}

	err := e.armTimeout(ctx, node, instance)
	if err != nil {
		return stepOutcome{}, err
	}

	return suspendFor("awaiting approval"), nil
}

func (e *Engine) resolveApproval(
	definition *models.WorkflowDefinition,
	node *models.Node,
	instance *models.Instance,
	execCtx *models.ExecutionContext,
) (stepOutcome, error) {
	edges := definition.OutgoingEdges(node.ID)
	if len(edges) == 0 {
		return stepOutcome{}, NewExecutionError(instance.ID, node.ID, fmt.Errorf("approval node has no outgoing edges"))
	}

	decision := "rejected"

	if raw, _ := execCtx.Lookup("approved"); raw != nil {
		if approved, ok := raw.(bool); ok && approved {
			decision = "approved"
		}
	}

	for _, edge := range edges {
		if edge.Label == decision {
			return advanceTo(edge.To), nil
		}
	}

	for _, edge := range edges {
		if !edge.HasConditions() {
			return advanceTo(edge.To), nil
		}

		matched, err := conditions.Evaluate(edge.Conditions, edge.ConditionOp, execCtx)
		if err != nil {
			return stepOutcome{}, NewExecutionError(instance.ID, node.ID, err)
		}

		if matched {
			return advanceTo(edge.To), nil
		}
	}

	return stepOutcome{}, NewExecutionError(instance.ID, node.ID, fmt.Errorf("no edge matches decision %q", decision))
}

// armTimeout creates a timeout task when the node config requests one.
func (e *Engine) armTimeout(ctx context.Context, node *models.Node, instance *models.Instance) error {
	timeout, err := durationFromConfig(node.Config, "timeout")
	if err != nil || timeout <= 0 {
		return nil
	}

	task := models.NewScheduledTask(newTaskID(), instance.ID, node.ID, models.TaskTypeTimeout, e.now().Add(timeout))

	err = e.persistence.Tasks().Create(ctx, task)
	if err != nil {
		return NewExecutionError(instance.ID, node.ID, err)
	}

	return nil
}

// singleOutgoing returns the target of the only outgoing edge. Nodes other
// than condition and approval must have exactly one.
func (e *Engine) singleOutgoing(definition *models.WorkflowDefinition, node *models.Node, instance *models.Instance) (string, error) {
	edges := definition.OutgoingEdges(node.ID)
	if len(edges) != 1 {
		return "", NewExecutionError(instance.ID, node.ID, fmt.Errorf("expected exactly one outgoing edge, found %d", len(edges)))
	}

	return edges[0].To, nil
}

func missingRequiredFields(node *models.Node, execCtx *models.ExecutionContext) []string {
	fields, _ := node.Config["fields"].([]any)

	var missing []string

	for _, raw := range fields {
		field, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		required, _ := field["required"].(bool)
		name, _ := field["name"].(string)

		if required && name != "" {
			if _, present := execCtx.FormData[name]; !present {
				missing = append(missing, name)
			}
		}
	}

	return missing
}

// retryPolicyFromConfig reads the optional retry block of an action node.
func retryPolicyFromConfig(config map[string]any) models.RetryPolicy {
	policy := models.DefaultRetryPolicy()

	retry, ok := config["retry"].(map[string]any)
	if !ok {
		return policy
	}

	if v, ok := asInt(retry["max_retries"]); ok {
		policy.MaxRetries = v
	}

	if raw, ok := retry["retry_delay"].(string); ok {
		if d, err := time.ParseDuration(raw); err == nil {
			policy.RetryDelay = d
		}
	}

	if v, ok := asFloat(retry["backoff_multiplier"]); ok {
		policy.BackoffMultiplier = v
	}

	if codes, ok := retry["retry_on_status_codes"].([]any); ok {
		for _, raw := range codes {
			if code, ok := asInt(raw); ok {
				policy.RetryOnStatusCodes = append(policy.RetryOnStatusCodes, code)
			}
		}
	}

	return policy
}

// predicatesFromConfig decodes the conditions block of a wait node. Node
// config is generic JSON, so predicates arrive as maps and are re-decoded
// into their typed form.
func predicatesFromConfig(config map[string]any) ([]models.Predicate, models.LogicOp, error) {
	raw, err := json.Marshal(config["conditions"])
	if err != nil {
		return nil, "", fmt.Errorf("invalid conditions: %w", err)
	}

	var predicates []models.Predicate

	err = json.Unmarshal(raw, &predicates)
	if err != nil {
		return nil, "", fmt.Errorf("invalid conditions: %w", err)
	}

	op := models.LogicAnd
	if rawOp, ok := config["condition_op"].(string); ok && rawOp != "" {
		op = models.LogicOp(rawOp)
	}

	return predicates, op, nil
}

func durationFromConfig(config map[string]any, key string) (time.Duration, error) {
	raw, ok := config[key].(string)
	if !ok || raw == "" {
		return 0, fmt.Errorf("missing %s", key)
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}

	return d, nil
}

func asInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}

		return int(n), true
	default:
		return 0, false
	}
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		n, err := v.Float64()
		if err != nil {
			return 0, false
		}

		return n, true
	default:
		return 0, false
	}
}

func newTaskID() string {
	return "task-" + uuid.New().String()[:8]
}
