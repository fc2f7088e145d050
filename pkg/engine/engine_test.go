package engine_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pathrun/pathrun/pkg/channels/gochannel"
	"github.com/pathrun/pathrun/pkg/contextstore"
	contextmemory "github.com/pathrun/pathrun/pkg/contextstore/memory"
	"github.com/pathrun/pathrun/pkg/dispatcher"
	"github.com/pathrun/pathrun/pkg/engine"
	"github.com/pathrun/pathrun/pkg/eventbus"
	"github.com/pathrun/pathrun/pkg/models"
	"github.com/pathrun/pathrun/pkg/persistence/memory"
	"github.com/pathrun/pathrun/pkg/protocol"
	"github.com/pathrun/pathrun/pkg/registry"
	"github.com/pathrun/pathrun/pkg/testutil"
)

type recordingHandler struct {
	calls    int
	failWith error
	result   map[string]any
}

func (h *recordingHandler) Handle(_ context.Context, _ map[string]any, _ *models.ExecutionContext) (map[string]any, error) {
	h.calls++

	if h.failWith != nil {
		return nil, h.failWith
	}

	return h.result, nil
}

type recordingFactory struct {
	handler protocol.ActionHandler
}

func (f *recordingFactory) ID() string             { return "record" }
func (f *recordingFactory) Name() string           { return "Record" }
func (f *recordingFactory) Schema() map[string]any { return map[string]any{} }

func (f *recordingFactory) Create(_ *slog.Logger) (protocol.ActionHandler, error) {
	return f.handler, nil
}

type testHarness struct {
	engine      *engine.Engine
	persistence *memory.Persistence
	contexts    *contextmemory.Store
	handler     *recordingHandler
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	pub, sub, err := gochannel.CreateTestChannel(watermill.NewSlogLogger(logger))
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)

	handler := &recordingHandler{result: map[string]any{"done": true}}

	reg := registry.NewRegistry(logger)
	reg.RegisterHandler(&recordingFactory{handler: handler})

	p := memory.NewPersistence()
	contexts := contextmemory.NewStore()
	disp := dispatcher.NewDispatcher(reg, bus, logger)

	return &testHarness{
		engine:      engine.NewEngine(p, contexts, disp, bus, logger),
		persistence: p,
		contexts:    contexts,
		handler:     handler,
	}
}

func actionNode(id string) *models.Node {
	return testutil.Node(id, models.NodeTypeAction, map[string]any{
		"action_type": "record",
		"config":      map[string]any{"message": "hello"},
		"retry":       map[string]any{"max_retries": 0},
	})
}

func ageRoutingDefinition() *models.WorkflowDefinition {
	return testutil.Definition("wf-routing",
		testutil.WithNodes(
			testutil.Node("start", models.NodeTypeStart, nil),
			testutil.Node("check-age", models.NodeTypeCondition, nil),
			actionNode("adult-path"),
			actionNode("minor-path"),
			testutil.Node("end", models.NodeTypeEnd, nil),
		),
		testutil.WithEdges(
			testutil.Edge("e1", "start", "check-age"),
			testutil.GuardedEdge("e2", "check-age", "adult-path", models.LogicAnd,
				models.Predicate{Field: "age", Operator: models.OperatorGte, Value: 18, Type: models.ValueTypeNumber},
			),
			testutil.Edge("e3", "check-age", "minor-path"),
			testutil.Edge("e4", "adult-path", "end"),
			testutil.Edge("e5", "minor-path", "end"),
		),
	)
}

func TestEngine_Start_ConditionalRouting(t *testing.T) {
	ctx := context.Background()

	t.Run("adult branch", func(t *testing.T) {
		h := newHarness(t)
		h.persistence.SaveDefinition(ageRoutingDefinition())

		instance, err := h.engine.Start(ctx, "wf-routing", "tester", models.TriggerInfo{Type: "manual"},
			map[string]any{"age": float64(25)})
		require.NoError(t, err)

		assert.Equal(t, models.InstanceStatusCompleted, instance.Status)
		assert.Contains(t, instance.Context.Visited, "adult-path")
		assert.NotContains(t, instance.Context.Visited, "minor-path")
		assert.Equal(t, map[string]any{"done": true}, instance.Context.Variables["action_adult-path_result"])
	})

	t.Run("default branch", func(t *testing.T) {
		h := newHarness(t)
		h.persistence.SaveDefinition(ageRoutingDefinition())

		instance, err := h.engine.Start(ctx, "wf-routing", "tester", models.TriggerInfo{Type: "manual"},
			map[string]any{"age": float64(12)})
		require.NoError(t, err)

		assert.Equal(t, models.InstanceStatusCompleted, instance.Status)
		assert.Contains(t, instance.Context.Visited, "minor-path")
	})
}

func TestEngine_Start_RecordsHistory(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.persistence.SaveDefinition(testutil.LinearDefinition("wf-hist", actionNode("act")))

	instance, err := h.engine.Start(ctx, "wf-hist", "tester", models.TriggerInfo{Type: "manual"}, nil)
	require.NoError(t, err)

	entries, err := h.persistence.History().ListByInstance(ctx, instance.ID)
	require.NoError(t, err)

	var visited []string

	for _, entry := range entries {
		if entry.Action == models.HistoryActionEntered {
			visited = append(visited, entry.NodeID)
		}
	}

	assert.Equal(t, []string{"start", "act", "end"}, visited)

	// Entered entries snapshot the node configuration.
	for _, entry := range entries {
		if entry.NodeID == "act" && entry.Action == models.HistoryActionEntered {
			assert.Equal(t, "record", entry.Input["action_type"])
		}
	}
}

func TestEngine_ConditionNode_DefaultDeclaredFirst(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	definition := testutil.Definition("wf-default-first",
		testutil.WithNodes(
			testutil.Node("start", models.NodeTypeStart, nil),
			testutil.Node("check-age", models.NodeTypeCondition, nil),
			actionNode("adult-path"),
			actionNode("minor-path"),
			testutil.Node("end", models.NodeTypeEnd, nil),
		),
		testutil.WithEdges(
			testutil.Edge("e1", "start", "check-age"),
			testutil.Edge("e2", "check-age", "minor-path"),
			testutil.GuardedEdge("e3", "check-age", "adult-path", models.LogicAnd,
				models.Predicate{Field: "age", Operator: models.OperatorGte, Value: 18, Type: models.ValueTypeNumber},
			),
			testutil.Edge("e4", "adult-path", "end"),
			testutil.Edge("e5", "minor-path", "end"),
		),
	)
	h.persistence.SaveDefinition(definition)

	// The default edge is declared before the guarded one; the guard still
	// wins when its predicate matches.
	instance, err := h.engine.Start(ctx, "wf-default-first", "tester", models.TriggerInfo{Type: "manual"},
		map[string]any{"age": float64(25)})
	require.NoError(t, err)

	assert.Equal(t, models.InstanceStatusCompleted, instance.Status)
	assert.Contains(t, instance.Context.Visited, "adult-path")
	assert.NotContains(t, instance.Context.Visited, "minor-path")
}

func TestEngine_Start_ClearsContextOnCompletion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.persistence.SaveDefinition(testutil.LinearDefinition("wf-clear", actionNode("act")))

	instance, err := h.engine.Start(ctx, "wf-clear", "tester", models.TriggerInfo{Type: "manual"}, nil)
	require.NoError(t, err)

	_, err = h.contexts.Get(ctx, instance.ID)
	require.ErrorIs(t, err, contextstore.ErrContextNotFound)
}

func TestEngine_Start_UnknownDefinition(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Start(context.Background(), "ghost", "tester", models.TriggerInfo{Type: "manual"}, nil)
	require.Error(t, err)
}

func TestEngine_ActionFailure_Policies(t *testing.T) {
	ctx := context.Background()

	t.Run("stop fails the instance", func(t *testing.T) {
		h := newHarness(t)
		h.handler.failWith = errors.New("downstream is down")
		h.persistence.SaveDefinition(testutil.LinearDefinition("wf-stop", actionNode("act")))

		instance, err := h.engine.Start(ctx, "wf-stop", "tester", models.TriggerInfo{Type: "manual"}, nil)
		require.Error(t, err)

		assert.Equal(t, models.InstanceStatusFailed, instance.Status)
		assert.Contains(t, instance.ErrorMessage, "downstream is down")
		assert.NotNil(t, instance.FailedAt)

		// Failed state stays in the context store for inspection.
		_, storeErr := h.contexts.Get(ctx, instance.ID)
		require.NoError(t, storeErr)
	})

	t.Run("continue records the error and proceeds", func(t *testing.T) {
		h := newHarness(t)
		h.handler.failWith = errors.New("downstream is down")

		definition := testutil.LinearDefinition("wf-cont", actionNode("act"))
		definition.Config.ErrorHandling = models.ErrorHandlingContinue
		h.persistence.SaveDefinition(definition)

		instance, err := h.engine.Start(ctx, "wf-cont", "tester", models.TriggerInfo{Type: "manual"}, nil)
		require.NoError(t, err)

		assert.Equal(t, models.InstanceStatusCompleted, instance.Status)
		assert.Contains(t, instance.Context.Variables["error_act"], "downstream is down")
	})
}

func TestEngine_FormNode(t *testing.T) {
	ctx := context.Background()

	formDefinition := func() *models.WorkflowDefinition {
		return testutil.LinearDefinition("wf-form", testutil.Node("intake", models.NodeTypeForm, map[string]any{
			"fields": []any{
				map[string]any{"name": "email", "required": true},
			},
		}))
	}

	t.Run("suspends until required fields arrive", func(t *testing.T) {
		h := newHarness(t)
		h.persistence.SaveDefinition(formDefinition())

		instance, err := h.engine.Start(ctx, "wf-form", "tester", models.TriggerInfo{Type: "manual"}, nil)
		require.NoError(t, err)

		require.Equal(t, models.InstanceStatusWaiting, instance.Status)
		assert.Equal(t, "intake", instance.CurrentNodeID)

		resumed, err := h.engine.ResumeWithInput(ctx, instance.ID, map[string]any{"email": "user@example.com"})
		require.NoError(t, err)

		assert.Equal(t, models.InstanceStatusCompleted, resumed.Status)
		assert.Equal(t, "user@example.com", resumed.Context.FormData["email"])
	})

	t.Run("advances when data is already present", func(t *testing.T) {
		h := newHarness(t)
		h.persistence.SaveDefinition(formDefinition())

		instance, err := h.engine.Start(ctx, "wf-form", "tester", models.TriggerInfo{Type: "manual"},
			map[string]any{"email": "user@example.com"})
		require.NoError(t, err)

		assert.Equal(t, models.InstanceStatusCompleted, instance.Status)
		assert.Contains(t, instance.Context.Visited, "intake")
	})
}

func TestEngine_WaitNode_SuspendsAndCreatesTask(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	definition := testutil.LinearDefinition("wf-wait", testutil.Node("cooldown", models.NodeTypeWait, map[string]any{
		"mode":     "duration",
		"duration": "48h",
	}))
	h.persistence.SaveDefinition(definition)

	instance, err := h.engine.Start(ctx, "wf-wait", "tester", models.TriggerInfo{Type: "manual"}, nil)
	require.NoError(t, err)

	require.Equal(t, models.InstanceStatusWaiting, instance.Status)

	tasks, err := h.persistence.Tasks().DueTasks(ctx, time.Now().UTC().Add(72*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	assert.Equal(t, models.TaskTypeWait, tasks[0].Type)
	assert.Equal(t, instance.ID, tasks[0].InstanceID)
	assert.Equal(t, "cooldown", tasks[0].NodeID)

	// Not due yet at the present moment.
	due, err := h.persistence.Tasks().DueTasks(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestEngine_WaitNode_ConditionMode(t *testing.T) {
	ctx := context.Background()

	pollDefinition := func() *models.WorkflowDefinition {
		return testutil.LinearDefinition("wf-poll", testutil.Node("until-ready", models.NodeTypeWait, map[string]any{
			"mode": "condition",
			"conditions": []any{
				map[string]any{"field": "ready", "operator": "eq", "value": true, "type": "boolean"},
			},
			"poll_interval": "10m",
		}))
	}

	t.Run("already satisfied advances without a task", func(t *testing.T) {
		h := newHarness(t)
		h.persistence.SaveDefinition(pollDefinition())

		instance, err := h.engine.Start(ctx, "wf-poll", "tester", models.TriggerInfo{Type: "manual"},
			map[string]any{"ready": true})
		require.NoError(t, err)

		assert.Equal(t, models.InstanceStatusCompleted, instance.Status)

		tasks, err := h.persistence.Tasks().DueTasks(ctx, time.Now().UTC().Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, tasks)
	})

	t.Run("unsatisfied suspends with a poll task", func(t *testing.T) {
		h := newHarness(t)
		h.persistence.SaveDefinition(pollDefinition())

		instance, err := h.engine.Start(ctx, "wf-poll", "tester", models.TriggerInfo{Type: "manual"},
			map[string]any{"ready": false})
		require.NoError(t, err)

		require.Equal(t, models.InstanceStatusWaiting, instance.Status)

		tasks, err := h.persistence.Tasks().DueTasks(ctx, time.Now().UTC().Add(time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, models.TaskTypeConditionCheck, tasks[0].Type)
		assert.Equal(t, "until-ready", tasks[0].NodeID)
	})
}

func TestEngine_ApprovalNode(t *testing.T) {
	ctx := context.Background()

	approvalDefinition := func() *models.WorkflowDefinition {
		return testutil.Definition("wf-approve",
			testutil.WithNodes(
				testutil.Node("start", models.NodeTypeStart, nil),
				testutil.Node("review", models.NodeTypeApproval, map[string]any{
					"approvers": []any{"manager@example.com"},
				}),
				actionNode("pay"),
				testutil.Node("end", models.NodeTypeEnd, nil),
				testutil.Node("rejected-end", models.NodeTypeEnd, nil),
			),
			testutil.WithEdges(
				testutil.Edge("e1", "start", "review"),
				testutil.LabeledEdge("e2", "review", "pay", "approved"),
				testutil.LabeledEdge("e3", "review", "rejected-end", "rejected"),
				testutil.Edge("e4", "pay", "end"),
			),
		)
	}

	t.Run("approved path", func(t *testing.T) {
		h := newHarness(t)
		h.persistence.SaveDefinition(approvalDefinition())

		instance, err := h.engine.Start(ctx, "wf-approve", "tester", models.TriggerInfo{Type: "manual"}, nil)
		require.NoError(t, err)
		require.Equal(t, models.InstanceStatusWaiting, instance.Status)

		resumed, err := h.engine.ResumeWithInput(ctx, instance.ID, map[string]any{"approved": true})
		require.NoError(t, err)

		assert.Equal(t, models.InstanceStatusCompleted, resumed.Status)
		assert.Contains(t, resumed.Context.Visited, "pay")
		assert.Equal(t, 1, h.handler.calls)
	})

	t.Run("rejected path", func(t *testing.T) {
		h := newHarness(t)
		h.persistence.SaveDefinition(approvalDefinition())

		instance, err := h.engine.Start(ctx, "wf-approve", "tester", models.TriggerInfo{Type: "manual"}, nil)
		require.NoError(t, err)

		resumed, err := h.engine.ResumeWithInput(ctx, instance.ID, map[string]any{"approved": false})
		require.NoError(t, err)

		assert.Equal(t, models.InstanceStatusCompleted, resumed.Status)
		assert.Equal(t, "rejected-end", resumed.CurrentNodeID)
		assert.Zero(t, h.handler.calls)
	})
}

func TestEngine_Resume_LockContention(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	definition := testutil.LinearDefinition("wf-lock", testutil.Node("hold", models.NodeTypeWait, map[string]any{
		"mode":     "duration",
		"duration": "24h",
	}))
	h.persistence.SaveDefinition(definition)

	instance, err := h.engine.Start(ctx, "wf-lock", "tester", models.TriggerInfo{Type: "manual"}, nil)
	require.NoError(t, err)
	require.Equal(t, models.InstanceStatusWaiting, instance.Status)

	acquired, err := h.contexts.AcquireLock(ctx, instance.ID, "other-worker", contextstore.LockTTL)
	require.NoError(t, err)
	require.True(t, acquired)

	_, err = h.engine.Resume(ctx, instance.ID)
	require.ErrorIs(t, err, engine.ErrLockContention)
}

func TestEngine_Resume_NotSuspended(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	now := time.Now().UTC()
	instance := &models.Instance{
		ID:            "inst-busy",
		DefinitionID:  "wf-busy",
		Status:        models.InstanceStatusRunning,
		CurrentNodeID: "act",
		StartedAt:     now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, h.persistence.Instances().Create(ctx, instance))

	// A traversal already owns this instance; resumption must not start a
	// second loop over the same context.
	_, err := h.engine.Resume(ctx, instance.ID)
	require.ErrorIs(t, err, engine.ErrInstanceNotWaiting)
}

func TestEngine_Resume_TerminalInstance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.persistence.SaveDefinition(testutil.LinearDefinition("wf-done", actionNode("act")))

	instance, err := h.engine.Start(ctx, "wf-done", "tester", models.TriggerInfo{Type: "manual"}, nil)
	require.NoError(t, err)
	require.Equal(t, models.InstanceStatusCompleted, instance.Status)

	_, err = h.engine.Resume(ctx, instance.ID)
	require.ErrorIs(t, err, engine.ErrInstanceTerminal)
}

func TestEngine_Cancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	definition := testutil.LinearDefinition("wf-cancel", testutil.Node("cooldown", models.NodeTypeWait, map[string]any{
		"mode":     "duration",
		"duration": "24h",
	}))
	h.persistence.SaveDefinition(definition)

	instance, err := h.engine.Start(ctx, "wf-cancel", "tester", models.TriggerInfo{Type: "manual"}, nil)
	require.NoError(t, err)
	require.Equal(t, models.InstanceStatusWaiting, instance.Status)

	err = h.engine.Cancel(ctx, instance.ID)
	require.NoError(t, err)

	cancelled, err := h.persistence.Instances().GetByID(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCancelled, cancelled.Status)

	// The pending wait task never fires.
	tasks, err := h.persistence.Tasks().DueTasks(ctx, time.Now().UTC().Add(48*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	// Cancelling twice is rejected.
	err = h.engine.Cancel(ctx, instance.ID)
	require.ErrorIs(t, err, engine.ErrInstanceTerminal)
}

func TestEngine_Expire(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	definition := testutil.LinearDefinition("wf-expire", testutil.Node("review", models.NodeTypeWait, map[string]any{
		"mode":     "duration",
		"duration": "24h",
	}))
	h.persistence.SaveDefinition(definition)

	instance, err := h.engine.Start(ctx, "wf-expire", "tester", models.TriggerInfo{Type: "manual"}, nil)
	require.NoError(t, err)
	require.Equal(t, models.InstanceStatusWaiting, instance.Status)

	err = h.engine.Expire(ctx, instance.ID, "review")
	require.NoError(t, err)

	expired, err := h.persistence.Instances().GetByID(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusFailed, expired.Status)
	assert.Contains(t, expired.ErrorMessage, "timed out")

	// An instance that already moved past the node is untouched.
	err = h.engine.Expire(ctx, instance.ID, "review")
	require.NoError(t, err)
}

func TestEngine_Expire_LockContention(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	definition := testutil.LinearDefinition("wf-expire-lock", testutil.Node("review", models.NodeTypeWait, map[string]any{
		"mode":     "duration",
		"duration": "24h",
	}))
	h.persistence.SaveDefinition(definition)

	instance, err := h.engine.Start(ctx, "wf-expire-lock", "tester", models.TriggerInfo{Type: "manual"}, nil)
	require.NoError(t, err)
	require.Equal(t, models.InstanceStatusWaiting, instance.Status)

	acquired, err := h.contexts.AcquireLock(ctx, instance.ID, "other-worker", contextstore.LockTTL)
	require.NoError(t, err)
	require.True(t, acquired)

	err = h.engine.Expire(ctx, instance.ID, "review")
	require.ErrorIs(t, err, engine.ErrLockContention)
}
