//go:build !unix

package sandbox

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// ProcessRunner needs process groups and rlimits, which only unix hosts offer.
type ProcessRunner struct{}

func NewProcessRunner(python string, log *zap.Logger) (*ProcessRunner, error) {
	return nil, errors.New("process sandbox requires a unix host; use SANDBOX_RUNNER=docker")
}

func (r *ProcessRunner) Name() string { return "process" }

func (r *ProcessRunner) Exec(ctx context.Context, job Job) (Outcome, error) {
	return Outcome{}, errors.New("process sandbox is not supported on this platform")
}
