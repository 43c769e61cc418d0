package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zeidalqadri/ollama-chat-service/server/internal/sandbox"
)

var (
	execFile    string
	execTimeout int
	execMemory  int
	execStream  bool
)

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Run a Python file through the sandbox and print the result as JSON",
	Example: `  ollama-chat-service exec --file snippet.py --timeout 5
  echo 'print(1)' | ollama-chat-service exec --file -`,
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVarP(&execFile, "file", "f", "", "Python file to run (- for stdin)")
	execCmd.Flags().IntVar(&execTimeout, "timeout", 0, "Wall-clock limit in seconds (default from policy)")
	execCmd.Flags().IntVar(&execMemory, "memory", 0, "Memory limit in MB (default from policy)")
	execCmd.Flags().BoolVar(&execStream, "stream", false, "Echo output while the program runs")
	_ = execCmd.MarkFlagRequired("file")
}

func runExec(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	var code []byte
	if execFile == "-" {
		code, err = io.ReadAll(cmd.InOrStdin())
	} else {
		code, err = os.ReadFile(execFile)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", execFile, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sb, cleanup, err := newSandbox(ctx, cfg, log.Named("sandbox"))
	if err != nil {
		return err
	}
	defer cleanup()

	var obs sandbox.Observer
	if execStream {
		obs = sandbox.ObserverFunc(func(stream string, data []byte) {
			if stream == sandbox.StreamStderr {
				_, _ = cmd.ErrOrStderr().Write(data)
				return
			}
			_, _ = cmd.OutOrStdout().Write(data)
		})
	}

	res := sb.Run(ctx, sandbox.ExecutionRequest{
		Code:           string(code),
		Language:       sandbox.LanguagePython,
		TimeoutSeconds: execTimeout,
		MemoryLimitMB:  execMemory,
	}, obs)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("execution failed: %s", res.Error)
	}
	return nil
}
