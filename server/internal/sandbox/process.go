//go:build unix

package sandbox

import (
	"context"
	"debug/elf"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// sandboxEnv is the whole environment of the child; nothing is inherited.
var sandboxEnv = []string{
	"PATH=/usr/bin:/bin",
	"HOME=/tmp",
	"PYTHONDONTWRITEBYTECODE=1",
}

// errConfinementUnsupported marks a host that cannot confine the child's
// filesystem access.
var errConfinementUnsupported = errors.New("filesystem confinement not supported on this host")

// interpreterQuery asks the interpreter where it really lives, which differs
// from the PATH entry for pyenv shims and virtualenvs.
const interpreterQuery = `import json, sys
print(json.dumps({"executable": sys.executable, "prefixes": sorted({sys.prefix, sys.base_prefix, sys.exec_prefix, sys.base_exec_prefix})}))`

// interpreter is the resolved python binary and the trees it loads from.
type interpreter struct {
	executable string
	prefixes   []string
	loader     string // ELF program interpreter, empty for static or non-ELF binaries
}

// ProcessRunner runs the launcher as a local child process in its own process
// group, with a private temporary working directory. On Linux the child is
// also confined to reading the interpreter and system libraries and writing
// its working directory.
type ProcessRunner struct {
	interp *interpreter
	log    *zap.Logger

	warnUnconfined sync.Once
}

// NewProcessRunner resolves the interpreter on PATH and inspects it once.
func NewProcessRunner(python string, log *zap.Logger) (*ProcessRunner, error) {
	path, err := exec.LookPath(python)
	if err != nil {
		return nil, fmt.Errorf("find python interpreter %q: %w", python, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	interp, err := inspectInterpreter(ctx, path)
	if err != nil {
		return nil, err
	}
	log.Debug("python interpreter resolved",
		zap.String("executable", interp.executable),
		zap.Strings("prefixes", interp.prefixes),
		zap.String("loader", interp.loader),
	)
	return &ProcessRunner{interp: interp, log: log}, nil
}

func inspectInterpreter(ctx context.Context, path string) (*interpreter, error) {
	out, err := exec.CommandContext(ctx, path, "-I", "-S", "-c", interpreterQuery).Output()
	if err != nil {
		return nil, fmt.Errorf("inspect python interpreter %s: %w", path, err)
	}
	var info struct {
		Executable string   `json:"executable"`
		Prefixes   []string `json:"prefixes"`
	}
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, fmt.Errorf("decode interpreter report: %w", err)
	}
	if info.Executable == "" {
		return nil, fmt.Errorf("python interpreter %s did not report its executable", path)
	}
	return &interpreter{
		executable: info.Executable,
		prefixes:   info.Prefixes,
		loader:     elfLoader(info.Executable),
	}, nil
}

// elfLoader returns the dynamic loader named in the binary's PT_INTERP header.
func elfLoader(path string) string {
	f, err := elf.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_INTERP {
			continue
		}
		b, err := io.ReadAll(prog.Open())
		if err != nil {
			return ""
		}
		return strings.TrimRight(string(b), "\x00")
	}
	return ""
}

func (r *ProcessRunner) Name() string { return "process" }

func (r *ProcessRunner) Exec(ctx context.Context, job Job) (Outcome, error) {
	dir, err := os.MkdirTemp("", "sandbox-")
	if err != nil {
		return Outcome{}, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	// -I isolates from the environment and user site, -S skips site, -u
	// unbuffers output so it streams.
	cmd := exec.Command(r.interp.executable, "-I", "-S", "-u", "-c", job.Program)
	cmd.Env = sandboxEnv
	cmd.Dir = dir
	cmd.Stdout = job.Stdout
	cmd.Stderr = job.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = 2 * time.Second

	confineErr, err := startConfined(cmd, r.interp, dir)
	if err != nil {
		return Outcome{}, fmt.Errorf("start interpreter: %w", err)
	}
	if confineErr != nil {
		r.warnUnconfined.Do(func() {
			r.log.Warn("filesystem confinement unavailable, relying on rlimits and the import gate", zap.Error(confineErr))
		})
	}
	pid := cmd.Process.Pid

	if err := applyLimits(pid, job); err != nil {
		r.log.Warn("resource limits not applied by parent, relying on launcher", zap.Int("pid", pid), zap.Error(err))
	}

	var timedOut, cancelled atomic.Bool
	timer := time.AfterFunc(job.Timeout, func() {
		timedOut.Store(true)
		killGroup(pid)
	})
	stopWatch := context.AfterFunc(ctx, func() {
		cancelled.Store(true)
		killGroup(pid)
	})

	waitErr := cmd.Wait()
	timer.Stop()
	stopWatch()

	out := Outcome{TimedOut: timedOut.Load(), Cancelled: cancelled.Load() && !timedOut.Load()}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			out.Signal = unix.SignalName(ws.Signal())
			out.ExitCode = -int(ws.Signal())
		} else {
			out.ExitCode = exitErr.ExitCode()
		}
	case errors.Is(waitErr, exec.ErrWaitDelay):
		// Output pipes held open past exit by a stray descendant.
	default:
		return out, fmt.Errorf("wait for interpreter: %w", waitErr)
	}
	return out, nil
}

// killGroup kills the child and anything it spawned.
func killGroup(pid int) {
	_ = unix.Kill(-pid, unix.SIGKILL)
}
