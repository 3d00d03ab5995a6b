// Package etl hands finished captures to the external transform/load
// program and reports how that program exited.
package etl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/talon-cli/internal/config"
)

// ExitCodeError carries the loader's nonzero exit status so the process
// can exit with the same code.
type ExitCodeError struct {
	Code int
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("etl exited with code %d", e.Code)
}

// Runner invokes the configured loader once per run.
type Runner struct {
	cfg config.ETLConfig
	log *zap.Logger

	// commandContext is swapped in tests.
	commandContext func(ctx context.Context, name string, args ...string) *exec.Cmd
}

func NewRunner(cfg config.ETLConfig, logger *zap.Logger) *Runner {
	return &Runner{
		cfg:            cfg,
		log:            logger.Named("etl"),
		commandContext: exec.CommandContext,
	}
}

// Run feeds the capture directory to the loader. No configured command
// means a capture-only run; the files stay on disk and that is success.
func (r *Runner) Run(ctx context.Context, inputDir string) error {
	parts := strings.Fields(r.cfg.Command)
	if len(parts) == 0 {
		r.log.Debug("No loader configured, leaving captures on disk",
			zap.String("input_dir", inputDir))
		return nil
	}

	args := append(parts[1:], "--input-dir", inputDir, "--db", r.cfg.DB)
	r.log.Info("Running loader",
		zap.String("command", parts[0]),
		zap.Strings("args", args),
	)

	cmd := r.commandContext(ctx, parts[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if out := strings.TrimSpace(stdout.String()); out != "" {
		r.log.Debug("Loader stdout", zap.String("output", out))
	}
	if err == nil {
		r.log.Info("Loader finished", zap.String("db", r.cfg.DB))
		return nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		r.log.Error("Loader failed",
			zap.Int("exit_code", exitErr.ExitCode()),
			zap.String("stderr", strings.TrimSpace(stderr.String())),
		)
		return &ExitCodeError{Code: exitErr.ExitCode()}
	}
	return fmt.Errorf("running loader: %w", err)
}
