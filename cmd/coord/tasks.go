package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/coord/internal/orchestrator"
	"github.com/ShayCichocki/coord/pkg/models"
)

var (
	submitID       string
	submitTitle    string
	submitDesc     string
	submitPriority int
	submitDeps     []string
	submitCaps     []string
	submitFile     string

	listState string
	listAgent string
	listOpen  bool

	closureDependents bool

	resultText string
	resultJSON string
	resultFile string
)

var submitCmd = &cobra.Command{
	Use:   "submit [title]",
	Short: "Submit a task or a manifest of tasks",
	Long: `Submit a task to the queue, or every task in a YAML manifest with -f.

A task whose dependencies would form a cycle is rejected and nothing is
stored. Resubmitting a queued task redefines it.

Examples:
  coord submit "Design the schema" --id schema --priority 10
  coord submit "Build the API" --id api --depends-on schema --cap go
  coord submit -f tasks.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withCoordinator(func(c *orchestrator.Coordinator) error {
			if submitFile != "" {
				return submitManifest(ctx, c, submitFile)
			}
			title := submitTitle
			if len(args) > 0 {
				title = args[0]
			}
			task, err := c.Submit(ctx, models.Task{
				ID:           submitID,
				Title:        title,
				Description:  submitDesc,
				Priority:     submitPriority,
				DependsOn:    submitDeps,
				Capabilities: submitCaps,
			})
			if err != nil {
				return explain(err)
			}
			return emit(task, func() {
				printStatus("✓", fmt.Sprintf("Submitted %s", task.ID), color.FgGreen)
			})
		})
	},
}

func submitManifest(ctx context.Context, c *orchestrator.Coordinator, path string) error {
	tasks, err := orchestrator.LoadManifest(path)
	if err != nil {
		return err
	}
	stored, err := c.SubmitManifest(ctx, tasks)
	if err != nil {
		for _, t := range stored {
			printStatus("✓", fmt.Sprintf("Submitted %s", t.ID), color.FgGreen)
		}
		return explain(err)
	}
	return emit(stored, func() {
		printStatus("✓", fmt.Sprintf("Submitted %d tasks from %s", len(stored), path), color.FgGreen)
	})
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(func(c *orchestrator.Coordinator) error {
			tasks, err := c.List(cmd.Context(), models.TaskFilter{
				State: models.TaskState(listState),
				Agent: listAgent,
			})
			if err != nil {
				return err
			}
			if listOpen {
				tasks = openTasks(tasks)
			}
			return emit(tasks, func() { printTaskTable(tasks) })
		})
	},
}

var showCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(func(c *orchestrator.Coordinator) error {
			task, err := c.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return emit(task, func() { printTask(task) })
		})
	},
}

// openTasks drops tasks that can no longer change state.
func openTasks(tasks []models.Task) []models.Task {
	out := tasks[:0]
	for _, t := range tasks {
		if !t.State.Terminal() {
			out = append(out, t)
		}
	}
	return out
}

var closureCmd = &cobra.Command{
	Use:   "closure <task-id>",
	Short: "List every task a task depends on, directly or transitively",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(func(c *orchestrator.Coordinator) error {
			var ids []string
			var err error
			if closureDependents {
				ids, err = c.Dependents(cmd.Context(), args[0])
			} else {
				ids, err = c.Closure(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			return emit(ids, func() {
				switch {
				case len(ids) > 0:
					fmt.Println(strings.Join(ids, "\n"))
				case closureDependents:
					fmt.Printf("Nothing depends on %s.\n", args[0])
				default:
					fmt.Printf("%s has no dependencies.\n", args[0])
				}
			})
		})
	},
}

var stuckCmd = &cobra.Command{
	Use:   "stuck",
	Short: "List queued tasks that can never run",
	Long: `List queued tasks blocked by a dependency that failed, was cancelled,
or was never submitted. Such tasks need to be cancelled or their
dependencies resubmitted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(func(c *orchestrator.Coordinator) error {
			stuck, err := c.Stuck(cmd.Context())
			if err != nil {
				return err
			}
			return emit(stuck, func() {
				if len(stuck) == 0 {
					fmt.Println("No stuck tasks.")
					return
				}
				for _, s := range stuck {
					var reasons []string
					for _, b := range s.BlockedBy {
						if b.Missing {
							reasons = append(reasons, b.ID+" (missing)")
						} else {
							reasons = append(reasons, fmt.Sprintf("%s (%s)", b.ID, b.State))
						}
					}
					fmt.Printf("%s blocked by %s\n", color.New(color.Bold).Sprint(s.Task.ID), strings.Join(reasons, ", "))
				}
			})
		})
	},
}

// transitionCommand builds the start/complete/fail/cancel/requeue commands.
func transitionCommand(use, short string, args cobra.PositionalArgs, run func(ctx context.Context, c *orchestrator.Coordinator, args []string) (*models.Task, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(func(c *orchestrator.Coordinator) error {
				task, err := run(cmd.Context(), c, args)
				if err != nil {
					return explain(err)
				}
				return emit(task, func() {
					printStatus("✓", fmt.Sprintf("%s is now %s", task.ID, colorState(task.State)), color.FgGreen)
				})
			})
		},
	}
}

var startCmd = transitionCommand("start <task-id> <agent-id>", "Mark a claimed task as in progress", cobra.ExactArgs(2),
	func(ctx context.Context, c *orchestrator.Coordinator, args []string) (*models.Task, error) {
		return c.Start(ctx, args[0], args[1])
	})

var completeCmd = transitionCommand("complete <task-id>", "Complete an in-progress task", cobra.ExactArgs(1),
	func(ctx context.Context, c *orchestrator.Coordinator, args []string) (*models.Task, error) {
		result, err := payloadFromFlags(resultText, resultJSON, resultFile, models.PayloadJSON)
		if err != nil {
			return nil, err
		}
		return c.Complete(ctx, args[0], result)
	})

var failCmd = transitionCommand("fail <task-id> <reason>", "Fail an in-progress task", cobra.ExactArgs(2),
	func(ctx context.Context, c *orchestrator.Coordinator, args []string) (*models.Task, error) {
		return c.Fail(ctx, args[0], args[1])
	})

var cancelCmd = transitionCommand("cancel <task-id>", "Cancel a queued or claimed task", cobra.ExactArgs(1),
	func(ctx context.Context, c *orchestrator.Coordinator, args []string) (*models.Task, error) {
		return c.Cancel(ctx, args[0])
	})

var requeueCmd = transitionCommand("requeue <task-id>", "Return a claimed or in-progress task to the queue", cobra.ExactArgs(1),
	func(ctx context.Context, c *orchestrator.Coordinator, args []string) (*models.Task, error) {
		return c.Requeue(ctx, args[0])
	})

var orderCmd = &cobra.Command{
	Use:   "order",
	Short: "Print every task ID with dependencies before dependents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(func(c *orchestrator.Coordinator) error {
			ids, err := c.Order(cmd.Context())
			if err != nil {
				return err
			}
			return emit(ids, func() {
				for _, id := range ids {
					fmt.Println(id)
				}
			})
		})
	},
}

// payloadFromFlags builds a payload from --text, --json or --file. With none
// set it returns an empty payload of kind fallback.
func payloadFromFlags(text, rawJSON, file string, fallback models.PayloadKind) (models.Payload, error) {
	switch {
	case text != "":
		return models.TextPayload(text), nil
	case rawJSON != "":
		var fields map[string]any
		if err := json.Unmarshal([]byte(rawJSON), &fields); err != nil {
			return models.Payload{}, fmt.Errorf("%w: --json must be a JSON object: %v", models.ErrInvalidPayload, err)
		}
		return models.Payload{Kind: models.PayloadJSON, Fields: fields}, nil
	case file != "":
		if _, err := os.Stat(file); err != nil {
			return models.Payload{}, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
		}
		return models.FileRefPayload(file), nil
	default:
		return models.Payload{Kind: fallback}, nil
	}
}

// explain adds the detail carried by typed coordinator errors.
func explain(err error) error {
	var cycle *models.CycleError
	var held *models.LockHeldError
	switch {
	case errors.As(err, &cycle):
		return fmt.Errorf("rejected: dependency cycle %s", strings.Join(cycle.Path, " -> "))
	case errors.As(err, &held):
		return fmt.Errorf("lock %s is held by %s", held.Key, held.Holder)
	default:
		return err
	}
}

func init() {
	submitCmd.Flags().StringVar(&submitID, "id", "", "Task ID (generated when empty)")
	submitCmd.Flags().StringVar(&submitTitle, "title", "", "Task title")
	submitCmd.Flags().StringVar(&submitDesc, "desc", "", "Task description")
	submitCmd.Flags().IntVarP(&submitPriority, "priority", "p", 0, "Priority; higher runs first")
	submitCmd.Flags().StringSliceVarP(&submitDeps, "depends-on", "d", nil, "IDs of tasks that must complete first")
	submitCmd.Flags().StringSliceVar(&submitCaps, "cap", nil, "Capabilities a claiming agent must have")
	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "Submit every task in a YAML manifest")

	listCmd.Flags().StringVar(&listState, "state", "", "Only tasks in this state")
	listCmd.Flags().StringVar(&listAgent, "agent", "", "Only tasks assigned to this agent")
	listCmd.Flags().BoolVar(&listOpen, "open", false, "Hide completed, failed and cancelled tasks")

	closureCmd.Flags().BoolVar(&closureDependents, "dependents", false, "List the tasks that depend directly on the task instead")

	completeCmd.Flags().StringVar(&resultText, "text", "", "Text result")
	completeCmd.Flags().StringVar(&resultJSON, "json-result", "", "JSON object result")
	completeCmd.Flags().StringVar(&resultFile, "file", "", "Path of a file holding the result")
}
