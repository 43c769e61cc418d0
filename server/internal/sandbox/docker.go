package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	containerTypes "github.com/docker/docker/api/types/container"
	imageTypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	dockercontext "github.com/docker/go-sdk/context"
	"github.com/docker/go-units"
	"go.uber.org/zap"
)

const (
	// labelSandbox marks containers created by this runner.
	labelSandbox = "ollama-chat-service.sandbox"

	// nobody:nogroup
	sandboxUser = "65534:65534"

	sandboxPidsLimit = 16
	cleanupTimeout   = 10 * time.Second
)

// DockerRunner runs the launcher in a throwaway container with no network, a
// read-only root filesystem and all capabilities dropped.
type DockerRunner struct {
	client *client.Client
	image  string
	log    *zap.Logger
}

// DetectDockerHost resolves the Docker host from the current Docker context.
// Returns empty string if detection fails.
func DetectDockerHost() string {
	host, err := dockercontext.CurrentDockerHost()
	if err != nil {
		return ""
	}
	return host
}

// NewDockerRunner connects to host (or the current Docker context when empty)
// and verifies the daemon answers.
func NewDockerRunner(ctx context.Context, host, image string, log *zap.Logger) (*DockerRunner, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if host == "" {
		host = DetectDockerHost()
	}
	if host != "" {
		opts = append(opts, client.WithHost(host))
		log.Info("using docker host", zap.String("host", host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker daemon not reachable: %w", err)
	}

	return &DockerRunner{client: cli, image: image, log: log}, nil
}

func (r *DockerRunner) Name() string { return "docker" }

// Close releases the Docker client.
func (r *DockerRunner) Close() error { return r.client.Close() }

func (r *DockerRunner) Exec(ctx context.Context, job Job) (Outcome, error) {
	id, err := r.create(ctx, job)
	if err != nil {
		return Outcome{}, err
	}
	defer r.remove(ctx, id)

	attach, err := r.client.ContainerAttach(ctx, id, containerTypes.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("attach to sandbox container: %w", err)
	}
	defer attach.Close()

	copied := make(chan struct{})
	go func() {
		defer close(copied)
		// stdcopy demultiplexes the attach stream into stdout and stderr
		_, _ = stdcopy.StdCopy(job.Stdout, job.Stderr, attach.Reader)
	}()

	if err := r.client.ContainerStart(ctx, id, containerTypes.StartOptions{}); err != nil {
		return Outcome{}, fmt.Errorf("start sandbox container: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()
	statusCh, errCh := r.client.ContainerWait(waitCtx, id, containerTypes.WaitConditionNotRunning)

	var out Outcome
	select {
	case status := <-statusCh:
		out.ExitCode = int(status.StatusCode)
		if status.StatusCode > 128 {
			out.Signal = fmt.Sprintf("%d", status.StatusCode-128)
		}
	case err := <-errCh:
		switch {
		case errors.Is(waitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			out.TimedOut = true
		case ctx.Err() != nil:
			out.Cancelled = true
		default:
			return out, fmt.Errorf("wait for sandbox container: %w", err)
		}
		r.kill(ctx, id)
	}

	select {
	case <-copied:
	case <-time.After(2 * time.Second):
		r.log.Warn("sandbox output stream did not close", zap.String("container_id", id))
	}
	return out, nil
}

func (r *DockerRunner) create(ctx context.Context, job Job) (string, error) {
	pids := int64(sandboxPidsLimit)
	memory := int64(job.MemoryMB) * units.MiB

	config := &containerTypes.Config{
		Image:           r.image,
		Cmd:             []string{"python3", "-I", "-S", "-u", "-c", job.Program},
		Env:             sandboxContainerEnv,
		WorkingDir:      "/tmp",
		User:            sandboxUser,
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: true,
		Labels:          map[string]string{labelSandbox: "true"},
	}
	hostConfig := &containerTypes.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs:          map[string]string{"/tmp": "rw,noexec,nosuid,size=16m"},
		Resources: containerTypes.Resources{
			Memory:     memory,
			MemorySwap: memory,
			NanoCPUs:   1e9,
			PidsLimit:  &pids,
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: int64(job.OpenFiles), Hard: int64(job.OpenFiles)},
				{Name: "cpu", Soft: int64(job.CPUSecs), Hard: int64(job.CPUSecs)},
			},
		},
	}

	resp, err := r.client.ContainerCreate(ctx, config, hostConfig, nil, nil, "")
	if cerrdefs.IsNotFound(err) {
		if err := r.pull(ctx); err != nil {
			return "", err
		}
		resp, err = r.client.ContainerCreate(ctx, config, hostConfig, nil, nil, "")
	}
	if err != nil {
		return "", fmt.Errorf("create sandbox container: %w", err)
	}
	return resp.ID, nil
}

func (r *DockerRunner) pull(ctx context.Context) error {
	r.log.Info("pulling sandbox image", zap.String("image", r.image))
	rc, err := r.client.ImagePull(ctx, r.image, imageTypes.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull sandbox image %s: %w", r.image, err)
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (r *DockerRunner) kill(ctx context.Context, id string) {
	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := r.client.ContainerKill(killCtx, id, "SIGKILL"); err != nil && !cerrdefs.IsNotFound(err) {
		r.log.Warn("failed to kill sandbox container", zap.String("container_id", id), zap.Error(err))
	}
}

func (r *DockerRunner) remove(ctx context.Context, id string) {
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	err := r.client.ContainerRemove(rmCtx, id, containerTypes.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		r.log.Warn("failed to remove sandbox container", zap.String("container_id", id), zap.Error(err))
	}
}

var sandboxContainerEnv = []string{
	"PATH=/usr/local/bin:/usr/bin:/bin",
	"HOME=/tmp",
	"PYTHONDONTWRITEBYTECODE=1",
}
