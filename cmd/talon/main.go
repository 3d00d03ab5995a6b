// File: cmd/talon/main.go
/*
Copyright © 2025 Kyle McAllister (xkilldash9x@proton.me)
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/xkilldash9x/talon-cli/cmd"
	"github.com/xkilldash9x/talon-cli/internal/etl"
	"github.com/xkilldash9x/talon-cli/internal/observability"
)

const panicLogFile = "panic.log"

// Injection points for tests.
var (
	osWriteFile = os.WriteFile
	osExit      = os.Exit
)

func main() {
	defer handlePanic()

	// Graceful shutdown on SIGINT/SIGTERM: the run context unwinds, the
	// browser is torn down, partial downloads are discarded.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		observability.Sync()
		osExit(exitCode(err))
	}
	observability.Sync()
}

// exitCode maps a run error onto the process exit status. A loader failure
// re-uses the loader's own code so schedulers see exactly what the ETL saw;
// an operator abort is not a failure.
func exitCode(err error) int {
	if errors.Is(err, context.Canceled) {
		return 0
	}
	var ece *etl.ExitCodeError
	if errors.As(err, &ece) {
		return ece.Code
	}
	return 1
}

// handlePanic records a crash to panic.log before the process dies, so an
// unattended scheduler leaves evidence behind.
func handlePanic() {
	if r := recover(); r != nil {
		observability.Sync()

		panicMessage := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
		if err := osWriteFile(panicLogFile, []byte(panicMessage), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "CRITICAL: Failed to write panic log: %v\n", err)
			fmt.Fprintf(os.Stderr, "Panic details:\n%s\n", panicMessage)
			osExit(1)
			return
		}

		fmt.Fprintf(os.Stderr, "\nCRASH DETECTED. Details logged to %s\n", panicLogFile)
		osExit(1)
	}
}
