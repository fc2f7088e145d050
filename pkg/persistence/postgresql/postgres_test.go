//go:build integration
// +build integration

package postgresql

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/pathrun/pathrun/pkg/models"
	"github.com/pathrun/pathrun/pkg/persistence"
)

var postgresContainer *postgres.PostgresContainer

func TestMain(m *testing.M) {
	code := m.Run()

	if postgresContainer != nil {
		_ = postgresContainer.Terminate(context.Background())
	}

	os.Exit(code)
}

func setupTestDB(t *testing.T) (*Persistence, string) {
	t.Helper()

	ctx := context.Background()

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error
		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("pathrun_test"),
			postgres.WithUsername("pathrun"),
			postgres.WithPassword("pathrun"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	cleanupDB(t, databaseURL)

	t.Cleanup(func() {
		_ = p.Close(ctx)
	})

	return p, databaseURL
}

func cleanupDB(t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"instance_history", "scheduled_tasks", "workflow_instances", "workflow_definitions"} {
		_, err = db.ExecContext(context.Background(), "TRUNCATE TABLE "+table+" CASCADE")
		require.NoError(t, err)
	}
}

func testInstance(id string) *models.Instance {
	now := time.Now().UTC().Truncate(time.Millisecond)

	return &models.Instance{
		ID:            id,
		DefinitionID:  "wf-1",
		Status:        models.InstanceStatusRunning,
		CurrentNodeID: "start",
		Context:       models.NewExecutionContext(id, "start", map[string]any{"amount": float64(10)}),
		TriggeredBy:   "tester",
		Trigger:       models.TriggerInfo{Type: "manual"},
		StartedAt:     now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestInstanceRepository(t *testing.T) {
	p, _ := setupTestDB(t)
	ctx := context.Background()
	repo := p.Instances()

	t.Run("create and get", func(t *testing.T) {
		instance := testInstance("inst-crud")

		require.NoError(t, repo.Create(ctx, instance))

		loaded, err := repo.GetByID(ctx, "inst-crud")
		require.NoError(t, err)

		assert.Equal(t, models.InstanceStatusRunning, loaded.Status)
		assert.Equal(t, "wf-1", loaded.DefinitionID)
		assert.Equal(t, float64(10), loaded.Context.Variables["amount"])
	})

	t.Run("duplicate create fails", func(t *testing.T) {
		instance := testInstance("inst-dup")

		require.NoError(t, repo.Create(ctx, instance))
		require.ErrorIs(t, repo.Create(ctx, instance), persistence.ErrInstanceAlreadyExists)
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := repo.GetByID(ctx, "inst-ghost")
		require.ErrorIs(t, err, persistence.ErrInstanceNotFound)
	})

	t.Run("guarded transition", func(t *testing.T) {
		instance := testInstance("inst-trans")
		require.NoError(t, repo.Create(ctx, instance))

		err := repo.TransitionStatus(ctx, "inst-trans", models.InstanceStatusRunning, models.InstanceStatusWaiting)
		require.NoError(t, err)

		// Stale expectation loses.
		err = repo.TransitionStatus(ctx, "inst-trans", models.InstanceStatusRunning, models.InstanceStatusCompleted)
		require.ErrorIs(t, err, persistence.ErrStatusConflict)

		loaded, err := repo.GetByID(ctx, "inst-trans")
		require.NoError(t, err)
		assert.Equal(t, models.InstanceStatusWaiting, loaded.Status)
	})

	t.Run("list by definition", func(t *testing.T) {
		for _, id := range []string{"inst-l1", "inst-l2"} {
			require.NoError(t, repo.Create(ctx, testInstance(id)))
		}

		instances, err := repo.ListByDefinition(ctx, "wf-1", 100)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(instances), 2)
	})
}

func TestHistoryRepository(t *testing.T) {
	p, _ := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, p.Instances().Create(ctx, testInstance("inst-hist")))

	base := time.Now().UTC().Truncate(time.Millisecond)

	for i, nodeID := range []string{"start", "review", "end"} {
		entry := &models.HistoryEntry{
			ID:         "hist-" + nodeID,
			InstanceID: "inst-hist",
			NodeID:     nodeID,
			NodeType:   models.NodeTypeAction,
			Action:     models.HistoryActionEntered,
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, p.History().Append(ctx, entry))
	}

	entries, err := p.History().ListByInstance(ctx, "inst-hist")
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "start", entries[0].NodeID)
	assert.Equal(t, "review", entries[1].NodeID)
	assert.Equal(t, "end", entries[2].NodeID)
}

func TestTaskRepository(t *testing.T) {
	p, _ := setupTestDB(t)
	ctx := context.Background()
	repo := p.Tasks()

	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("due tasks ordering and limit", func(t *testing.T) {
		late := models.NewScheduledTask("task-late", "inst-1", "n1", models.TaskTypeWait, now.Add(-time.Minute))
		early := models.NewScheduledTask("task-early", "inst-1", "n1", models.TaskTypeWait, now.Add(-time.Hour))
		future := models.NewScheduledTask("task-future", "inst-1", "n1", models.TaskTypeWait, now.Add(time.Hour))

		for _, task := range []*models.ScheduledTask{late, early, future} {
			require.NoError(t, repo.Create(ctx, task))
		}

		due, err := repo.DueTasks(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, due, 2)

		assert.Equal(t, "task-early", due[0].ID)
		assert.Equal(t, "task-late", due[1].ID)

		one, err := repo.DueTasks(ctx, now, 1)
		require.NoError(t, err)
		require.Len(t, one, 1)
		assert.Equal(t, "task-early", one[0].ID)
	})

	t.Run("cancel pending", func(t *testing.T) {
		task := models.NewScheduledTask("task-cancel", "inst-2", "n1", models.TaskTypeWait, now.Add(-time.Minute))
		require.NoError(t, repo.Create(ctx, task))

		require.NoError(t, repo.CancelPending(ctx, "inst-2"))

		due, err := repo.DueTasks(ctx, now, 10)
		require.NoError(t, err)

		for _, d := range due {
			assert.NotEqual(t, "inst-2", d.InstanceID)
		}
	})

	t.Run("invalid task rejected", func(t *testing.T) {
		task := models.NewScheduledTask("", "", "n1", models.TaskTypeWait, now)
		require.ErrorIs(t, repo.Create(ctx, task), models.ErrInvalidTask)
	})
}

func TestDefinitionSource(t *testing.T) {
	p, databaseURL := setupTestDB(t)
	ctx := context.Background()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)
	defer db.Close()

	document := `{
		"id": "wf-def",
		"name": "Stored Workflow",
		"nodes": [
			{"id": "start", "type": "start"},
			{"id": "end", "type": "end"}
		],
		"edges": [{"id": "e1", "from": "start", "to": "end"}]
	}`

	_, err = db.ExecContext(ctx,
		"INSERT INTO workflow_definitions (id, document, created_at, updated_at) VALUES ($1, $2, NOW(), NOW())",
		"wf-def", document)
	require.NoError(t, err)

	definition, err := p.Definitions().DefinitionByID(ctx, "wf-def")
	require.NoError(t, err)

	assert.Equal(t, "Stored Workflow", definition.Name)
	assert.Len(t, definition.Nodes, 2)

	_, err = p.Definitions().DefinitionByID(ctx, "wf-ghost")
	require.ErrorIs(t, err, persistence.ErrDefinitionNotFound)
}
