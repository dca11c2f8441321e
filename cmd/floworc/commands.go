package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/floworc/floworc/internal/capability"
	"github.com/floworc/floworc/internal/definition"
	"github.com/floworc/floworc/internal/engine"
	"github.com/floworc/floworc/internal/logging"
	"github.com/floworc/floworc/internal/recovery"
	"github.com/floworc/floworc/internal/scheduler"
	"github.com/floworc/floworc/internal/store"
	"github.com/floworc/floworc/pkg/mcp"
	"github.com/floworc/floworc/pkg/schema"
)

// app bundles the wired runtime behind a single open/close pair.
type app struct {
	store     store.Store
	caps      *capability.Registry
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
}

func openApp(cmd *cli.Command) (*app, error) {
	logger := logging.Setup(cmd.String("log-level"))

	st, err := store.NewLibSQLStore(cmd.String("db"))
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(context.Background()); err != nil {
		_ = st.Close()
		return nil, err
	}

	caps := capability.NewRegistry()
	eng, err := engine.New(engine.Options{
		Store:        st,
		Capabilities: caps,
		Logger:       logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &app{
		store:     st,
		caps:      caps,
		engine:    eng,
		scheduler: scheduler.New(st, eng, logger),
	}, nil
}

func (a *app) close() {
	a.scheduler.Stop()
	a.engine.Close()
	_ = a.store.Close()
}

func newRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Execute a workflow file and wait for it to finish or suspend",
		ArgsUsage: "<workflow-file>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "input",
				Usage: "Trigger input as a JSON object",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return cli.Exit("a workflow file is required", exitConfig)
			}

			doc, err := definition.Load(path)
			if err != nil {
				return fail(err)
			}

			var input map[string]any
			if raw := cmd.String("input"); raw != "" {
				if err := json.Unmarshal([]byte(raw), &input); err != nil {
					return cli.Exit(fmt.Sprintf("invalid --input: %v", err), exitConfig)
				}
			}

			a, err := openApp(cmd)
			if err != nil {
				return fail(err)
			}
			defer a.close()

			run, err := a.engine.Run(ctx, doc, input)
			if err != nil {
				return fail(err)
			}
			return printRun(run)
		},
	}
}

func newResumeCommand() *cli.Command {
	return &cli.Command{
		Name:      "resume",
		Usage:     "Resume a suspended or interrupted run",
		ArgsUsage: "<run-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "from-checkpoint",
				Usage: "Recover through the latest checkpoint instead of the run cursor",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			runID := cmd.Args().First()
			if runID == "" {
				return cli.Exit("a run ID is required", exitConfig)
			}

			a, err := openApp(cmd)
			if err != nil {
				return fail(err)
			}
			defer a.close()

			var run *store.Run
			if cmd.Bool("from-checkpoint") {
				mgr := recovery.NewManager(a.store, a.engine, nil)
				run, err = mgr.Resume(ctx, runID)
			} else {
				run, err = a.engine.Resume(ctx, runID)
			}
			if err != nil {
				return fail(err)
			}
			return printRun(run)
		},
	}
}

func newApproveCommand() *cli.Command {
	return &cli.Command{
		Name:      "approve",
		Usage:     "Record an approval decision for a run waiting at a gate",
		ArgsUsage: "<run-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "step",
				Usage:    "ID of the approval node",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "approver",
				Usage: "Identity of the approver",
				Value: "operator",
			},
			&cli.BoolFlag{
				Name:  "reject",
				Usage: "Reject instead of approve",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			runID := cmd.Args().First()
			if runID == "" {
				return cli.Exit("a run ID is required", exitConfig)
			}

			a, err := openApp(cmd)
			if err != nil {
				return fail(err)
			}
			defer a.close()

			run, err := a.engine.Approve(ctx, runID, cmd.String("step"), cmd.String("approver"), !cmd.Bool("reject"))
			if err != nil {
				return fail(err)
			}
			return printRun(run)
		},
	}
}

func newInputCommand() *cli.Command {
	return &cli.Command{
		Name:      "input",
		Usage:     "Provide external data to a waiting run and resume it",
		ArgsUsage: "<run-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "step",
				Usage:    "ID of the waiting node",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "data",
				Usage:    "Data as a JSON object, merged through the run's reducers",
				Required: true,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			runID := cmd.Args().First()
			if runID == "" {
				return cli.Exit("a run ID is required", exitConfig)
			}

			var data map[string]any
			if err := json.Unmarshal([]byte(cmd.String("data")), &data); err != nil {
				return cli.Exit(fmt.Sprintf("invalid --data: %v", err), exitConfig)
			}

			a, err := openApp(cmd)
			if err != nil {
				return fail(err)
			}
			defer a.close()

			run, err := a.engine.ProvideInput(ctx, runID, cmd.String("step"), data)
			if err != nil {
				return fail(err)
			}
			return printRun(run)
		},
	}
}

func newStatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show the current status and state of a run",
		ArgsUsage: "<run-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			runID := cmd.Args().First()
			if runID == "" {
				return cli.Exit("a run ID is required", exitConfig)
			}

			a, err := openApp(cmd)
			if err != nil {
				return fail(err)
			}
			defer a.close()

			run, err := a.store.GetRun(ctx, runID)
			if err != nil {
				return fail(err)
			}
			return printJSON(run)
		},
	}
}

func newCancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel a pending, running, or waiting run",
		ArgsUsage: "<run-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			runID := cmd.Args().First()
			if runID == "" {
				return cli.Exit("a run ID is required", exitConfig)
			}

			a, err := openApp(cmd)
			if err != nil {
				return fail(err)
			}
			defer a.close()

			if err := a.engine.Cancel(ctx, runID); err != nil {
				return fail(err)
			}
			fmt.Printf("run %s cancelled\n", runID)
			return nil
		},
	}
}

func newLogsCommand() *cli.Command {
	return &cli.Command{
		Name:      "logs",
		Usage:     "Print a run's history log",
		ArgsUsage: "<run-id>",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:  "since",
				Usage: "Only print events with a sequence greater than this",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			runID := cmd.Args().First()
			if runID == "" {
				return cli.Exit("a run ID is required", exitConfig)
			}

			a, err := openApp(cmd)
			if err != nil {
				return fail(err)
			}
			defer a.close()

			events, err := a.store.GetEvents(ctx, runID, cmd.Int64("since"))
			if err != nil {
				return fail(err)
			}
			for _, ev := range events {
				line := fmt.Sprintf("%s  #%d  %s", ev.Timestamp.Format(time.RFC3339), ev.Sequence, ev.Type)
				if ev.NodeID != "" {
					line += "  node=" + ev.NodeID
				}
				if len(ev.Payload) > 0 {
					line += "  " + string(ev.Payload)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func newScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "schedule",
		Usage: "Manage cron schedules that trigger workflow runs",
		Commands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Register a cron schedule for a workflow file",
				ArgsUsage: "<workflow-file>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "cron",
						Usage:    "Cron expression, five fields or @every syntax",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "input",
						Usage: "Trigger input as a JSON object",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					path := cmd.Args().First()
					if path == "" {
						return cli.Exit("a workflow file is required", exitConfig)
					}
					doc, err := definition.Load(path)
					if err != nil {
						return fail(err)
					}
					var input map[string]any
					if raw := cmd.String("input"); raw != "" {
						if err := json.Unmarshal([]byte(raw), &input); err != nil {
							return cli.Exit(fmt.Sprintf("invalid --input: %v", err), exitConfig)
						}
					}

					a, err := openApp(cmd)
					if err != nil {
						return fail(err)
					}
					defer a.close()

					sched, err := a.scheduler.Add(ctx, doc, cmd.String("cron"), input)
					if err != nil {
						return fail(err)
					}
					return printJSON(sched)
				},
			},
			{
				Name:  "list",
				Usage: "List registered schedules",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					a, err := openApp(cmd)
					if err != nil {
						return fail(err)
					}
					defer a.close()

					schedules, err := a.scheduler.List(ctx, false)
					if err != nil {
						return fail(err)
					}
					return printJSON(schedules)
				},
			},
			{
				Name:      "rm",
				Usage:     "Remove a schedule",
				ArgsUsage: "<schedule-id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id := cmd.Args().First()
					if id == "" {
						return cli.Exit("a schedule ID is required", exitConfig)
					}
					a, err := openApp(cmd)
					if err != nil {
						return fail(err)
					}
					defer a.close()

					if err := a.scheduler.Remove(ctx, id); err != nil {
						return fail(err)
					}
					fmt.Printf("schedule %s removed\n", id)
					return nil
				},
			},
		},
	}
}

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve workflow tools over MCP stdio, with schedules and approval deadlines active",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "no-recover",
				Usage: "Skip resuming interrupted runs at startup",
			},
			&cli.DurationFlag{
				Name:  "approval-poll",
				Usage: "How often to check approval deadlines",
				Value: 10 * time.Second,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := openApp(cmd)
			if err != nil {
				return fail(err)
			}
			defer a.close()

			srv := mcp.NewFlowServer(mcp.FlowServerDeps{
				Engine:    a.engine,
				Scheduler: a.scheduler,
			})
			a.caps.SetNotifier(srv.Notifier())

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			if !cmd.Bool("no-recover") {
				mgr := recovery.NewManager(a.store, a.engine, nil)
				if resumed, err := mgr.RecoverAll(ctx); err != nil {
					fmt.Fprintf(os.Stderr, "recovery: %v\n", err)
				} else if len(resumed) > 0 {
					fmt.Fprintf(os.Stderr, "resumed %d interrupted run(s)\n", len(resumed))
				}
			}

			if err := a.scheduler.Start(ctx); err != nil {
				return fail(err)
			}
			go a.engine.PollApprovals(ctx, cmd.Duration("approval-poll"))

			return srv.Serve(ctx)
		},
	}
}

// printRun prints the run and exits nonzero when it ended badly.
func printRun(run *store.Run) error {
	if err := printJSON(run); err != nil {
		return err
	}
	switch run.Status {
	case schema.RunStatusFailed, schema.RunStatusCancelled:
		return cli.Exit("", exitGeneral)
	default:
		return nil
	}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
