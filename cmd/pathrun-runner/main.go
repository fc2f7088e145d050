package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/pathrun/pathrun/pkg/cmd"
	"github.com/pathrun/pathrun/pkg/dispatcher"
	"github.com/pathrun/pathrun/pkg/engine"
	"github.com/pathrun/pathrun/pkg/log"
	"github.com/pathrun/pathrun/pkg/models"
	"github.com/pathrun/pathrun/pkg/scheduler"
	"github.com/pathrun/pathrun/pkg/tracer"
)

func main() {
	app := &cli.Command{
		Name:                  "pathrun-runner",
		EnableShellCompletion: true,
		Usage:                 "Run the workflow resumption processor",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "runner-id",
				Aliases: []string{"id"},
				Usage:   "Custom runner ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("RUNNER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "redis-url",
				Usage:    "Redis connection URL for the execution context store",
				Required: true,
				Sources:  cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "kafka",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Enable OpenTelemetry trace export",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: run,
		Commands: []*cli.Command{
			{
				Name:      "validate",
				Usage:     "Validate a workflow definition file",
				ArgsUsage: "<definition.json>",
				Action:    validateDefinition,
			},
			{
				Name:      "status",
				Usage:     "List recent instances of a workflow definition",
				ArgsUsage: "<definition-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "database-url",
						Usage:    "Database connection URL for persistence",
						Required: true,
						Sources:  cli.EnvVars("DATABASE_URL"),
					},
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of instances to list",
						Value: 20,
					},
				},
				Action: listInstances,
			},
		},
	}

	err := app.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	runnerID := command.String("runner-id")
	if runnerID == "" {
		runnerID = "runner-" + uuid.New().String()[:8]
	}

	logger := log.WithModule("pathrun-runner").With("runner_id", runnerID)

	logger.InfoContext(ctx, "Initializing Pathrun runner")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if command.Bool("tracing") {
		provider, err := tracer.InitTracer(ctx, "pathrun-runner")
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}

		defer func() {
			err := provider.Shutdown(context.Background())
			if err != nil {
				logger.Error("Failed to shut down tracer provider", "error", err)
			}
		}()
	}

	eventBus := cmd.NewEventBus(command.String("event-bus"), logger)
	defer func() {
		err := eventBus.Close()
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	defer func() {
		err := persistence.Close(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	contexts := cmd.NewContextStore(ctx, logger, command.String("redis-url"))
	defer func() {
		err := contexts.Close()
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close context store", "error", err)
		}
	}()

	registry := cmd.NewRegistry(logger)
	disp := dispatcher.NewDispatcher(registry, eventBus, logger)
	eng := engine.NewEngine(persistence, contexts, disp, eventBus, logger)
	processor := scheduler.NewProcessor(persistence, contexts, eng, eventBus, logger)

	err := processor.Run(ctx)
	if err != nil && ctx.Err() == nil {
		logger.ErrorContext(ctx, "Processor stopped with error", "error", err)

		return err
	}

	return nil
}

func validateDefinition(_ context.Context, command *cli.Command) error {
	path := command.Args().First()
	if path == "" {
		return fmt.Errorf("usage: pathrun-runner validate <definition.json>")
	}

	document, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	err = models.ValidateDefinitionDocument(document)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	var definition models.WorkflowDefinition

	err = json.Unmarshal(document, &definition)
	if err != nil {
		return fmt.Errorf("failed to decode definition: %w", err)
	}

	err = definition.Validate()
	if err != nil {
		return fmt.Errorf("graph validation failed: %w", err)
	}

	fmt.Printf("definition %s is valid (%d nodes, %d edges)\n", definition.ID, len(definition.Nodes), len(definition.Edges))

	return nil
}

func listInstances(ctx context.Context, command *cli.Command) error {
	definitionID := command.Args().First()
	if definitionID == "" {
		return fmt.Errorf("usage: pathrun-runner status <definition-id>")
	}

	log.Setup("error")
	logger := log.WithModule("pathrun-status")

	persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	defer func() {
		err := persistence.Close(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	instances, err := persistence.Instances().ListByDefinition(ctx, definitionID, command.Int("limit"))
	if err != nil {
		return fmt.Errorf("failed to list instances for %s: %w", definitionID, err)
	}

	for _, instance := range instances {
		fmt.Printf("%s\t%s\tnode=%s\tstarted=%s\n",
			instance.ID, instance.Status, instance.CurrentNodeID,
			instance.StartedAt.Format("2006-01-02 15:04:05"))
	}

	fmt.Printf("%d instance(s)\n", len(instances))

	return nil
}
