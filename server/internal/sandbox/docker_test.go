package sandbox

import (
	"context"
	"os"
	"strings"
	"testing"

	"go.uber.org/zap"
)

// Requires a reachable Docker daemon; set SANDBOX_DOCKER_TEST=1 to run.
func TestDockerRunner(t *testing.T) {
	if os.Getenv("SANDBOX_DOCKER_TEST") == "" {
		t.Skip("SANDBOX_DOCKER_TEST not set")
	}
	image := os.Getenv("SANDBOX_DOCKER_IMAGE")
	if image == "" {
		image = "python:3.12-slim"
	}

	ctx := context.Background()
	r, err := NewDockerRunner(ctx, "", image, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDockerRunner: %v", err)
	}
	defer r.Close()

	sb := New(r, nil, zap.NewNop())

	t.Run("prints", func(t *testing.T) {
		res := sb.Run(ctx, ExecutionRequest{Code: "print(6 * 7)", TimeoutSeconds: 30}, nil)
		if res.ExitCode != 0 || res.Stdout != "42\n" {
			t.Errorf("result = %+v", res)
		}
	})

	t.Run("blocks import", func(t *testing.T) {
		res := sb.Run(ctx, ExecutionRequest{Code: "import socket", TimeoutSeconds: 30}, nil)
		if res.ExitCode == 0 || !strings.Contains(res.Error, "socket") {
			t.Errorf("result = %+v", res)
		}
	})

	t.Run("builtins removed from library modules", func(t *testing.T) {
		res := sb.Run(ctx, ExecutionRequest{Code: "import json\njson.__builtins__['open']", TimeoutSeconds: 30}, nil)
		if res.ExitCode != 1 || !strings.Contains(res.Error, "KeyError") {
			t.Errorf("result = %+v", res)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		res := sb.Run(ctx, ExecutionRequest{Code: "while True:\n    pass", TimeoutSeconds: 2}, nil)
		if !res.TimedOut || res.ExitCode != -1 {
			t.Errorf("result = %+v", res)
		}
	})
}
