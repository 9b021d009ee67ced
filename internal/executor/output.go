package executor

import (
	"bytes"
	"context"
	"errors"
	"strings"
)

// Output runs path and returns its stdout. A non-zero exit comes back as
// *ExitError with the command's stderr attached.
func Output(ctx context.Context, e Executor, path string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	err := e.Run(ctx, Command{Path: path, Args: args, Stdout: &stdout, Stderr: &stderr})
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		exitErr.Stderr = strings.TrimSpace(stderr.String())
	}
	return stdout.String(), err
}
