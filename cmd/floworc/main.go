package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/floworc/floworc/pkg/schema"
)

func main() {
	cmd := &cli.Command{
		Name:                  "floworc",
		Usage:                 "Run and manage graph-based agent workflows",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db",
				Usage:   "Database URL for runs, checkpoints, and history",
				Value:   "file:floworc.db",
				Sources: cli.EnvVars("FLOWORC_DB"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("FLOWORC_LOG_LEVEL"),
			},
		},
		Commands: []*cli.Command{
			newRunCommand(),
			newResumeCommand(),
			newApproveCommand(),
			newInputCommand(),
			newStatusCommand(),
			newCancelCommand(),
			newLogsCommand(),
			newScheduleCommand(),
			newServeCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			cli.HandleExitCoder(err)
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// Exit codes: 0 success, 1 general error, 2 configuration error,
// 3 resource not found, 4 timeout.
const (
	exitOK       = 0
	exitGeneral  = 1
	exitConfig   = 2
	exitNotFound = 3
	exitTimeout  = 4
)

func exitCodeFor(err error) int {
	var flowErr *schema.FlowError
	if !errors.As(err, &flowErr) {
		return exitGeneral
	}
	switch flowErr.Code {
	case schema.ErrCodeConfig, schema.ErrCodeSchema:
		return exitConfig
	case schema.ErrCodeNotFound:
		return exitNotFound
	case schema.ErrCodeTimeout, schema.ErrCodeApprovalTimeout:
		return exitTimeout
	default:
		return exitGeneral
	}
}

// fail wraps an error so the process exits with the code its error
// code maps to.
func fail(err error) error {
	return cli.Exit(err.Error(), exitCodeFor(err))
}
