// Package postgresql provides the PostgreSQL persistence implementation for
// instances, history and scheduled tasks.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/pathrun/pathrun/pkg/persistence"
	"github.com/pathrun/pathrun/pkg/persistence/sqlbase"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db           *sql.DB
	logger       *slog.Logger
	definitions  *DefinitionSource
	instanceRepo *InstanceRepository
	historyRepo  *HistoryRepository
	taskRepo     *TaskRepository
}

// NewPersistence connects, runs migrations and wires the repositories.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:           database,
		logger:       logger,
		definitions:  NewDefinitionSource(database, logger),
		instanceRepo: NewInstanceRepository(database, logger),
		historyRepo:  NewHistoryRepository(database, logger),
		taskRepo:     NewTaskRepository(database, logger),
	}, nil
}

func (p *Persistence) Definitions() persistence.DefinitionSource {
	return p.definitions
}

func (p *Persistence) Instances() persistence.InstanceRepository {
	return p.instanceRepo
}

func (p *Persistence) History() persistence.HistoryRepository {
	return p.historyRepo
}

func (p *Persistence) Tasks() persistence.TaskRepository {
	return p.taskRepo
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}
