// Package sandbox runs untrusted Python snippets in an isolated child process
// (or container) under resource ceilings and an import allow-list, and always
// reports a structured result.
package sandbox

import (
	"context"
	"io"
	"time"
)

// Runner abstracts where the generated launcher program executes (a local
// process, a Docker container).
type Runner interface {
	// Name identifies the runner in logs ("process", "docker").
	Name() string

	// Exec runs job.Program to completion, streaming its output to job.Stdout
	// and job.Stderr. It must kill the program once job.Timeout elapses or ctx
	// is cancelled. A non-nil error means the program could not be run at all.
	Exec(ctx context.Context, job Job) (Outcome, error)
}

// Job is one launcher invocation.
type Job struct {
	Program   string        // Python source passed to the interpreter with -c
	Timeout   time.Duration // Wall-clock limit
	MemoryMB  int           // Address-space limit
	CPUSecs   int           // CPU-time limit
	OpenFiles int           // Descriptor limit
	Stdout    io.Writer
	Stderr    io.Writer
}

// Outcome is how the program ended.
type Outcome struct {
	ExitCode  int    // Exit status, or -signal when killed by a signal
	Signal    string // Name of the terminating signal, if any
	TimedOut  bool   // Killed by the wall-clock timeout
	Cancelled bool   // Killed because ctx was cancelled
}

// Output stream names passed to an Observer.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Observer receives output while the program runs. Output may be called
// concurrently for the two streams; data is only valid for the call.
type Observer interface {
	Output(stream string, data []byte)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(stream string, data []byte)

func (f ObserverFunc) Output(stream string, data []byte) { f(stream, data) }
