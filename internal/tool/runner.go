// Package tool drives the external merge/transform executable and the
// helper binaries used to count regions.
package tool

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"wiggledb/pkg/domain"
)

// Output is the captured output of one run.
type Output struct {
	Stdout []byte
	Stderr []byte
}

// Runner launches a command line. A nonzero exit is reported as a
// *domain.ToolError carrying the captured output.
type Runner interface {
	Run(ctx context.Context, argv []string) (Output, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, argv []string) (Output, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, argv []string) (Output, error) { return f(ctx, argv) }

// Exec runs commands as child processes.
type Exec struct {
	Logger *zap.Logger
}

// Run honours ctx only before the process starts. Once launched the
// process runs to completion so a half-written artifact is never left
// behind by a cancelled request.
func (e Exec) Run(ctx context.Context, argv []string) (Output, error) {
	if len(argv) == 0 {
		return Output{}, errors.New("tool: empty command")
	}
	if err := ctx.Err(); err != nil {
		return Output{}, errors.Wrap(err, "tool: not started")
	}
	logger := e.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec // argv is assembled from registry locations
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	logger.Debug("running tool", zap.Strings("argv", argv))
	err := cmd.Run()
	out := Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return out, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out, &domain.ToolError{
			Command:  append([]string(nil), argv...),
			ExitCode: exitErr.ExitCode(),
			Stderr:   stderr.String(),
			Stdout:   stdout.String(),
		}
	}
	// the binary could not be started at all
	return out, &domain.ToolError{
		Command:  append([]string(nil), argv...),
		ExitCode: -1,
		Stderr:   err.Error(),
	}
}
