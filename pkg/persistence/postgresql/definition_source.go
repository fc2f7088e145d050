package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pathrun/pathrun/pkg/models"
	"github.com/pathrun/pathrun/pkg/persistence"
)

// DefinitionSource reads workflow definition documents. Authoring and CRUD of
// definitions are owned by a separate service; the engine only fetches by id.
type DefinitionSource struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewDefinitionSource creates a read-only definition source.
func NewDefinitionSource(db *sql.DB, logger *slog.Logger) *DefinitionSource {
	return &DefinitionSource{db: db, logger: logger}
}

func (s *DefinitionSource) DefinitionByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	var document []byte

	err := s.db.QueryRowContext(ctx,
		"SELECT document FROM workflow_definitions WHERE id = $1", id,
	).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrDefinitionNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load workflow definition %s: %w", id, err)
	}

	var definition models.WorkflowDefinition

	err = json.Unmarshal(document, &definition)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow definition %s: %w", id, err)
	}

	return &definition, nil
}
