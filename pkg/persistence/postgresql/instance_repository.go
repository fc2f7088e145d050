package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/pathrun/pathrun/pkg/models"
	"github.com/pathrun/pathrun/pkg/persistence"
)

const uniqueViolationCode = "23505"

// InstanceRepository handles workflow instance database operations.
type InstanceRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewInstanceRepository creates a new instance repository.
func NewInstanceRepository(db *sql.DB, logger *slog.Logger) *InstanceRepository {
	return &InstanceRepository{db: db, logger: logger}
}

const instanceColumns = `
	id, definition_id, status, current_node_id, context, triggered_by,
	trigger, error_message, error_detail, started_at, paused_at, resumed_at,
	completed_at, failed_at, created_at, updated_at
`

func (r *InstanceRepository) Create(ctx context.Context, instance *models.Instance) error {
	contextJSON, triggerJSON, errorDetailJSON, err := marshalInstanceFields(instance)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflow_instances (` + instanceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	_, err = r.db.ExecContext(ctx, query,
		instance.ID,
		instance.DefinitionID,
		instance.Status,
		instance.CurrentNodeID,
		contextJSON,
		instance.TriggeredBy,
		triggerJSON,
		instance.ErrorMessage,
		errorDetailJSON,
		instance.StartedAt,
		instance.PausedAt,
		instance.ResumedAt,
		instance.CompletedAt,
		instance.FailedAt,
		instance.CreatedAt,
		instance.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolationCode {
		return persistence.NewInstanceError("Create", instance.ID, persistence.ErrInstanceAlreadyExists)
	}

	if err != nil {
		return persistence.NewInstanceError("Create", instance.ID, err)
	}

	return nil
}

func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*models.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE id = $1`

	instance, err := scanInstance(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewInstanceError("GetByID", id, persistence.ErrInstanceNotFound)
	}

	if err != nil {
		return nil, persistence.NewInstanceError("GetByID", id, err)
	}

	return instance, nil
}

func (r *InstanceRepository) Update(ctx context.Context, instance *models.Instance) error {
	contextJSON, triggerJSON, errorDetailJSON, err := marshalInstanceFields(instance)
	if err != nil {
		return err
	}

	instance.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE workflow_instances SET
			status = $2,
			current_node_id = $3,
			context = $4,
			trigger = $5,
			error_message = $6,
			error_detail = $7,
			paused_at = $8,
			resumed_at = $9,
			completed_at = $10,
			failed_at = $11,
			updated_at = $12
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		instance.ID,
		instance.Status,
		instance.CurrentNodeID,
		contextJSON,
		triggerJSON,
		instance.ErrorMessage,
		errorDetailJSON,
		instance.PausedAt,
		instance.ResumedAt,
		instance.CompletedAt,
		instance.FailedAt,
		instance.UpdatedAt,
	)
	if err != nil {
		return persistence.NewInstanceError("Update", instance.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewInstanceError("Update", instance.ID, err)
	}

	if affected == 0 {
		return persistence.NewInstanceError("Update", instance.ID, persistence.ErrInstanceNotFound)
	}

	return nil
}

// TransitionStatus performs a conditional status update so two concurrent
// writers cannot both move the same instance.
func (r *InstanceRepository) TransitionStatus(ctx context.Context, id string, from, to models.InstanceStatus) error {
	query := `
		UPDATE workflow_instances
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`

	result, err := r.db.ExecContext(ctx, query, id, from, to)
	if err != nil {
		return persistence.NewInstanceError("TransitionStatus", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewInstanceError("TransitionStatus", id, err)
	}

	if affected == 0 {
		return persistence.NewInstanceError("TransitionStatus", id, persistence.ErrStatusConflict)
	}

	return nil
}

func (r *InstanceRepository) ListByDefinition(ctx context.Context, definitionID string, limit int) ([]*models.Instance, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + instanceColumns + `
		FROM workflow_instances
		WHERE definition_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, definitionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var instances []*models.Instance

	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}

		instances = append(instances, instance)
	}

	return instances, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*models.Instance, error) {
	var (
		instance        models.Instance
		currentNodeID   sql.NullString
		triggeredBy     sql.NullString
		errorMessage    sql.NullString
		contextJSON     []byte
		triggerJSON     []byte
		errorDetailJSON []byte
	)

	err := row.Scan(
		&instance.ID,
		&instance.DefinitionID,
		&instance.Status,
		&currentNodeID,
		&contextJSON,
		&triggeredBy,
		&triggerJSON,
		&errorMessage,
		&errorDetailJSON,
		&instance.StartedAt,
		&instance.PausedAt,
		&instance.ResumedAt,
		&instance.CompletedAt,
		&instance.FailedAt,
		&instance.CreatedAt,
		&instance.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	instance.CurrentNodeID = currentNodeID.String
	instance.TriggeredBy = triggeredBy.String
	instance.ErrorMessage = errorMessage.String

	if len(contextJSON) > 0 {
		err = json.Unmarshal(contextJSON, &instance.Context)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal instance context: %w", err)
		}
	}

	if len(triggerJSON) > 0 {
		err = json.Unmarshal(triggerJSON, &instance.Trigger)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal instance trigger: %w", err)
		}
	}

	if len(errorDetailJSON) > 0 {
		err = json.Unmarshal(errorDetailJSON, &instance.ErrorDetail)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal instance error detail: %w", err)
		}
	}

	return &instance, nil
}

func marshalInstanceFields(instance *models.Instance) ([]byte, []byte, []byte, error) {
	contextJSON, err := json.Marshal(instance.Context)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal instance context: %w", err)
	}

	triggerJSON, err := json.Marshal(instance.Trigger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal instance trigger: %w", err)
	}

	errorDetailJSON, err := json.Marshal(instance.ErrorDetail)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal instance error detail: %w", err)
	}

	return contextJSON, triggerJSON, errorDetailJSON, nil
}
