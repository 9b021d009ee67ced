package executor

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Command is one invocation of an external binary. Nil streams are
// connected to the null device.
type Command struct {
	Path   string
	Args   []string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

// Executor runs commands. gcloud goes through it so tests can substitute a recorder.
type Executor interface {
	Run(ctx context.Context, cmd Command) error
}

// ExitError reports a command that started but exited non-zero.
type ExitError struct {
	Command string
	Code    int
	// Stderr is the trimmed error output when the caller captured it.
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.Code)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}
