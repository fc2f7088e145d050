package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pathrun/pathrun/pkg/models"
)

// HistoryRepository handles append-only node visit records.
type HistoryRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewHistoryRepository creates a new history repository.
func NewHistoryRepository(db *sql.DB, logger *slog.Logger) *HistoryRepository {
	return &HistoryRepository{db: db, logger: logger}
}

func (r *HistoryRepository) Append(ctx context.Context, entry *models.HistoryEntry) error {
	inputJSON, err := json.Marshal(entry.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal history input: %w", err)
	}

	outputJSON, err := json.Marshal(entry.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal history output: %w", err)
	}

	query := `
		INSERT INTO instance_history (
			id, instance_id, node_id, node_type, action, input, output,
			error_message, duration_ms, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = r.db.ExecContext(ctx, query,
		entry.ID,
		entry.InstanceID,
		entry.NodeID,
		entry.NodeType,
		entry.Action,
		inputJSON,
		outputJSON,
		entry.ErrorMessage,
		entry.DurationMs,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append history entry: %w", err)
	}

	return nil
}

func (r *HistoryRepository) ListByInstance(ctx context.Context, instanceID string) ([]*models.HistoryEntry, error) {
	query := `
		SELECT id, instance_id, node_id, node_type, action, input, output,
			   error_message, duration_ms, created_at
		FROM instance_history
		WHERE instance_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history entries: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var entries []*models.HistoryEntry

	for rows.Next() {
		var (
			entry        models.HistoryEntry
			errorMessage sql.NullString
			inputJSON    []byte
			outputJSON   []byte
		)

		err = rows.Scan(
			&entry.ID,
			&entry.InstanceID,
			&entry.NodeID,
			&entry.NodeType,
			&entry.Action,
			&inputJSON,
			&outputJSON,
			&errorMessage,
			&entry.DurationMs,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}

		entry.ErrorMessage = errorMessage.String

		if len(inputJSON) > 0 {
			err = json.Unmarshal(inputJSON, &entry.Input)
			if err != nil {
				return nil, fmt.Errorf("failed to unmarshal history input: %w", err)
			}
		}

		if len(outputJSON) > 0 {
			err = json.Unmarshal(outputJSON, &entry.Output)
			if err != nil {
				return nil, fmt.Errorf("failed to unmarshal history output: %w", err)
			}
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
