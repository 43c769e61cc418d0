//go:build unix && !linux

package sandbox

import "os/exec"

// startConfined has no filesystem confinement to apply off Linux; the
// child runs with rlimits and the launcher's import gate only.
func startConfined(cmd *exec.Cmd, interp *interpreter, workDir string) (confineErr, err error) {
	return errConfinementUnsupported, cmd.Start()
}
