package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
)

// Local runs commands on this machine.
type Local struct {
	logger *slog.Logger
}

func NewLocal(logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Local{logger: logger}
}

func (l *Local) Run(ctx context.Context, c Command) error {
	l.logger.Debug("running command", slog.String("cmd", c.String()))

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Stdin = c.Stdin
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		l.logger.Warn("command failed", slog.String("cmd", c.String()), slog.Int("exit_code", exitErr.ExitCode()))
		return &ExitError{Command: filepath.Base(c.Path), Code: exitErr.ExitCode()}
	}
	return fmt.Errorf("failed to run %s: %w", c.Path, err)
}
