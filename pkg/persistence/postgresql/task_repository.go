package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pathrun/pathrun/pkg/models"
	"github.com/pathrun/pathrun/pkg/persistence"
)

// TaskRepository handles scheduled task database operations.
type TaskRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewTaskRepository creates a new task repository.
func NewTaskRepository(db *sql.DB, logger *slog.Logger) *TaskRepository {
	return &TaskRepository{db: db, logger: logger}
}

const taskColumns = `
	id, instance_id, node_id, task_type, scheduled_for, executed, executed_at,
	failed, retry_count, max_retries, payload, cron_expression, created_at,
	updated_at
`

func (r *TaskRepository) Create(ctx context.Context, task *models.ScheduledTask) error {
	err := task.Validate()
	if err != nil {
		return err
	}

	payloadJSON, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal task payload: %w", err)
	}

	query := `
		INSERT INTO scheduled_tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err = r.db.ExecContext(ctx, query,
		task.ID,
		task.InstanceID,
		task.NodeID,
		task.Type,
		task.ScheduledFor,
		task.Executed,
		task.ExecutedAt,
		task.Failed,
		task.RetryCount,
		task.MaxRetries,
		payloadJSON,
		task.CronExpression,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create scheduled task %s: %w", task.ID, err)
	}

	return nil
}

func (r *TaskRepository) GetByID(ctx context.Context, id string) (*models.ScheduledTask, error) {
	query := `SELECT ` + taskColumns + ` FROM scheduled_tasks WHERE id = $1`

	task, err := scanTask(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrTaskNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load scheduled task %s: %w", id, err)
	}

	return task, nil
}

func (r *TaskRepository) Update(ctx context.Context, task *models.ScheduledTask) error {
	payloadJSON, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal task payload: %w", err)
	}

	task.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE scheduled_tasks SET
			scheduled_for = $2,
			executed = $3,
			executed_at = $4,
			failed = $5,
			retry_count = $6,
			payload = $7,
			updated_at = $8
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		task.ID,
		task.ScheduledFor,
		task.Executed,
		task.ExecutedAt,
		task.Failed,
		task.RetryCount,
		payloadJSON,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update scheduled task %s: %w", task.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update scheduled task %s: %w", task.ID, err)
	}

	if affected == 0 {
		return persistence.ErrTaskNotFound
	}

	return nil
}

// DueTasks selects a bounded batch of unexecuted tasks ordered by due time.
func (r *TaskRepository) DueTasks(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledTask, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM scheduled_tasks
		WHERE executed = FALSE AND scheduled_for <= $1
		ORDER BY scheduled_for ASC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due tasks: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var tasks []*models.ScheduledTask

	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scheduled task: %w", err)
		}

		tasks = append(tasks, task)
	}

	return tasks, rows.Err()
}

// CancelPending marks all unexecuted tasks of an instance as executed.
func (r *TaskRepository) CancelPending(ctx context.Context, instanceID string) error {
	query := `
		UPDATE scheduled_tasks
		SET executed = TRUE, executed_at = NOW(), updated_at = NOW()
		WHERE instance_id = $1 AND executed = FALSE
	`

	_, err := r.db.ExecContext(ctx, query, instanceID)
	if err != nil {
		return fmt.Errorf("failed to cancel pending tasks for instance %s: %w", instanceID, err)
	}

	return nil
}

func scanTask(row rowScanner) (*models.ScheduledTask, error) {
	var (
		task           models.ScheduledTask
		payloadJSON    []byte
		cronExpression sql.NullString
	)

	err := row.Scan(
		&task.ID,
		&task.InstanceID,
		&task.NodeID,
		&task.Type,
		&task.ScheduledFor,
		&task.Executed,
		&task.ExecutedAt,
		&task.Failed,
		&task.RetryCount,
		&task.MaxRetries,
		&payloadJSON,
		&cronExpression,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.CronExpression = cronExpression.String

	if len(payloadJSON) > 0 {
		err = json.Unmarshal(payloadJSON, &task.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal task payload: %w", err)
		}
	}

	return &task, nil
}
