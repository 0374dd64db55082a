package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/pbparthas/testforge/pkg/cmd"
	"github.com/pbparthas/testforge/pkg/log"
	"github.com/pbparthas/testforge/pkg/models"
	"github.com/pbparthas/testforge/pkg/tracing"
	"github.com/pbparthas/testforge/pkg/workflow"
)

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "Database connection URL for persistence (memory://, file://, postgres://, redis://)",
			Value:   "memory://",
			Sources: cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (gochannel, kafka)",
			Value:   "gochannel",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "agent-api-url",
			Usage:   "Base URL of the agent capability service",
			Value:   "http://localhost:8090",
			Sources: cli.EnvVars("AGENT_API_URL"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.BoolFlag{
			Name:    "tracing",
			Usage:   "Enable OpenTelemetry tracing (exports over OTLP HTTP)",
			Sources: cli.EnvVars("OTEL_TRACING_ENABLED"),
		},
	}
}

// withEngine builds the shared dependency graph and tears it down when
// the action returns.
func withEngine(ctx context.Context, command *cli.Command, action func(ctx context.Context, engine *workflow.Engine) error) error {
	logger := log.Setup(command.String("log-level")).With("module", "testforge")

	gateway, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := gateway.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	eventBus, err := cmd.NewEventBus(command.String("event-bus"), logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	registry, err := cmd.NewAgentRegistry(logger, command.String("agent-api-url"))
	if err != nil {
		return err
	}

	var tracer trace.Tracer

	if command.Bool("tracing") {
		tracer, err = tracing.NewTracer(ctx, "testforge")
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}

	engine := workflow.NewEngine(gateway, registry, eventBus, tracer, logger)

	return action(ctx, engine)
}

func parseInput(raw string) (map[string]any, error) {
	input := make(map[string]any)
	if raw == "" {
		return input, nil
	}

	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, fmt.Errorf("invalid --input JSON: %w", err)
	}

	return input, nil
}

func loadDefinition(path string) (*models.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	definition := &models.WorkflowDefinition{}
	if err := json.Unmarshal(data, definition); err != nil {
		return nil, fmt.Errorf("invalid workflow definition: %w", err)
	}

	return definition, nil
}

func printJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")

	return encoder.Encode(value)
}

func main() {
	root := &cli.Command{
		Name:                  "testforge",
		Usage:                 "Run and manage AI-assisted testing workflows",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "Execute a predefined or stored workflow by name",
				ArgsUsage: "<workflow-name>",
				Flags: append(commonFlags(),
					&cli.StringFlag{
						Name:  "input",
						Usage: "Execution input as a JSON object, must include projectId",
					},
				),
				Action: func(ctx context.Context, command *cli.Command) error {
					name := command.Args().First()
					if name == "" {
						return fmt.Errorf("workflow name is required")
					}

					input, err := parseInput(command.String("input"))
					if err != nil {
						return err
					}

					return withEngine(ctx, command, func(ctx context.Context, engine *workflow.Engine) error {
						execution, err := engine.ExecuteWorkflow(ctx, name, input)
						if err != nil {
							return err
						}

						return printJSON(execution)
					})
				},
			},
			{
				Name:      "run-custom",
				Usage:     "Execute an ad-hoc workflow definition without storing it",
				ArgsUsage: "<definition.json>",
				Flags: append(commonFlags(),
					&cli.StringFlag{
						Name:  "input",
						Usage: "Execution input as a JSON object, must include projectId",
					},
				),
				Action: func(ctx context.Context, command *cli.Command) error {
					path := command.Args().First()
					if path == "" {
						return fmt.Errorf("definition file is required")
					}

					definition, err := loadDefinition(path)
					if err != nil {
						return err
					}

					input, err := parseInput(command.String("input"))
					if err != nil {
						return err
					}

					return withEngine(ctx, command, func(ctx context.Context, engine *workflow.Engine) error {
						execution, err := engine.ExecuteCustomWorkflow(ctx, definition, input)
						if err != nil {
							return err
						}

						return printJSON(execution)
					})
				},
			},
			{
				Name:      "create",
				Usage:     "Validate and store a custom workflow definition",
				ArgsUsage: "<definition.json>",
				Flags:     commonFlags(),
				Action: func(ctx context.Context, command *cli.Command) error {
					path := command.Args().First()
					if path == "" {
						return fmt.Errorf("definition file is required")
					}

					definition, err := loadDefinition(path)
					if err != nil {
						return err
					}

					return withEngine(ctx, command, func(ctx context.Context, engine *workflow.Engine) error {
						created, err := engine.CreateCustomWorkflow(ctx, definition)
						if err != nil {
							return err
						}

						return printJSON(created)
					})
				},
			},
			{
				Name:  "list",
				Usage: "List predefined and stored custom workflows",
				Flags: commonFlags(),
				Action: func(ctx context.Context, command *cli.Command) error {
					return withEngine(ctx, command, func(ctx context.Context, engine *workflow.Engine) error {
						summaries, err := engine.ListWorkflows(ctx)
						if err != nil {
							return err
						}

						return printJSON(summaries)
					})
				},
			},
			{
				Name:      "status",
				Usage:     "Show the current state of an execution",
				ArgsUsage: "<execution-id>",
				Flags:     commonFlags(),
				Action: func(ctx context.Context, command *cli.Command) error {
					executionID := command.Args().First()
					if executionID == "" {
						return fmt.Errorf("execution id is required")
					}

					return withEngine(ctx, command, func(ctx context.Context, engine *workflow.Engine) error {
						status, err := engine.GetWorkflowStatus(ctx, executionID)
						if err != nil {
							return err
						}

						return printJSON(status)
					})
				},
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a running execution",
				ArgsUsage: "<execution-id>",
				Flags:     commonFlags(),
				Action: func(ctx context.Context, command *cli.Command) error {
					executionID := command.Args().First()
					if executionID == "" {
						return fmt.Errorf("execution id is required")
					}

					return withEngine(ctx, command, func(ctx context.Context, engine *workflow.Engine) error {
						execution, err := engine.CancelWorkflow(ctx, executionID)
						if err != nil {
							return err
						}

						return printJSON(execution)
					})
				},
			},
			{
				Name:      "estimate",
				Usage:     "Project the cost of a workflow without running it",
				ArgsUsage: "<workflow-name>",
				Flags: append(commonFlags(),
					&cli.StringFlag{
						Name:  "input",
						Usage: "Execution input as a JSON object",
					},
				),
				Action: func(ctx context.Context, command *cli.Command) error {
					name := command.Args().First()
					if name == "" {
						return fmt.Errorf("workflow name is required")
					}

					input, err := parseInput(command.String("input"))
					if err != nil {
						return err
					}

					return withEngine(ctx, command, func(ctx context.Context, engine *workflow.Engine) error {
						estimate, err := engine.EstimateCost(ctx, name, input)
						if err != nil {
							return err
						}

						return printJSON(estimate)
					})
				},
			},
		},
	}

	if err := root.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
