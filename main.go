package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/nexus-im/messaging/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		// Failures of the operation itself were already written by the
		// command's formatter.
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) || exitErr.Code != cli.ExitFailure {
			fmt.Fprintln(os.Stderr, "nexus:", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
