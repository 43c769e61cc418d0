package sandbox

import (
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	fsRead   = unix.LANDLOCK_ACCESS_FS_READ_FILE | unix.LANDLOCK_ACCESS_FS_READ_DIR
	fsExec   = unix.LANDLOCK_ACCESS_FS_EXECUTE | unix.LANDLOCK_ACCESS_FS_READ_FILE
	fsDevice = unix.LANDLOCK_ACCESS_FS_READ_FILE | unix.LANDLOCK_ACCESS_FS_WRITE_FILE

	// Rights that apply to a regular file; the rest only make sense on a
	// directory and are rejected by the kernel on anything else.
	fsFileRights = unix.LANDLOCK_ACCESS_FS_EXECUTE | unix.LANDLOCK_ACCESS_FS_WRITE_FILE |
		unix.LANDLOCK_ACCESS_FS_READ_FILE | unix.LANDLOCK_ACCESS_FS_TRUNCATE |
		unix.LANDLOCK_ACCESS_FS_IOCTL_DEV
)

// systemReadRoots hold the shared libraries and locale data every
// interpreter build loads from.
var systemReadRoots = []string{"/usr", "/lib", "/lib64", "/lib32", "/bin"}

type pathRule struct {
	path   string
	access uint64
}

// confinementRules lets the child read the interpreter's trees and the
// system libraries, execute only the interpreter and its loader, and write
// only inside workDir. Everything else on disk is denied.
func confinementRules(interp *interpreter, workDir string) []pathRule {
	var rules []pathRule
	for _, dir := range systemReadRoots {
		rules = append(rules, pathRule{dir, fsRead})
	}
	for _, dir := range interp.prefixes {
		rules = append(rules, pathRule{dir, fsRead})
	}
	rules = append(rules, pathRule{interp.executable, fsExec})
	if interp.loader != "" {
		rules = append(rules, pathRule{interp.loader, fsExec})
	}
	for _, f := range []string{"/etc/ld.so.cache", "/etc/localtime"} {
		rules = append(rules, pathRule{f, unix.LANDLOCK_ACCESS_FS_READ_FILE})
	}
	for _, dev := range []string{"/dev/null", "/dev/zero", "/dev/urandom"} {
		rules = append(rules, pathRule{dev, fsDevice})
	}
	return append(rules, pathRule{workDir, ^uint64(0)})
}

// landlockABI reports the Landlock ABI version the kernel implements.
func landlockABI() (int, error) {
	v, _, errno := unix.Syscall(unix.SYS_LANDLOCK_CREATE_RULESET, 0, 0, unix.LANDLOCK_CREATE_RULESET_VERSION)
	if errno != 0 {
		return 0, errno
	}
	return int(v), nil
}

func handledFS(abi int) uint64 {
	access := uint64(unix.LANDLOCK_ACCESS_FS_EXECUTE | unix.LANDLOCK_ACCESS_FS_WRITE_FILE |
		unix.LANDLOCK_ACCESS_FS_READ_FILE | unix.LANDLOCK_ACCESS_FS_READ_DIR |
		unix.LANDLOCK_ACCESS_FS_REMOVE_DIR | unix.LANDLOCK_ACCESS_FS_REMOVE_FILE |
		unix.LANDLOCK_ACCESS_FS_MAKE_CHAR | unix.LANDLOCK_ACCESS_FS_MAKE_DIR |
		unix.LANDLOCK_ACCESS_FS_MAKE_REG | unix.LANDLOCK_ACCESS_FS_MAKE_SOCK |
		unix.LANDLOCK_ACCESS_FS_MAKE_FIFO | unix.LANDLOCK_ACCESS_FS_MAKE_BLOCK |
		unix.LANDLOCK_ACCESS_FS_MAKE_SYM)
	if abi >= 2 {
		access |= unix.LANDLOCK_ACCESS_FS_REFER
	}
	if abi >= 3 {
		access |= unix.LANDLOCK_ACCESS_FS_TRUNCATE
	}
	if abi >= 5 {
		access |= unix.LANDLOCK_ACCESS_FS_IOCTL_DEV
	}
	return access
}

// startConfined starts cmd inside a Landlock domain. A kernel without
// Landlock still gets the process started, with confineErr saying why it is
// unconfined; any other confinement failure aborts the start.
func startConfined(cmd *exec.Cmd, interp *interpreter, workDir string) (confineErr, err error) {
	type result struct{ confineErr, err error }
	done := make(chan result, 1)

	go func() {
		// The domain binds to this OS thread and is inherited by the child
		// forked from it. The thread is never unlocked, so the runtime
		// retires it when this goroutine returns.
		runtime.LockOSThread()

		var res result
		if err := restrictThread(confinementRules(interp, workDir)); err != nil {
			if !errors.Is(err, errConfinementUnsupported) {
				done <- result{err: fmt.Errorf("confine interpreter: %w", err)}
				return
			}
			res.confineErr = err
		}
		res.err = cmd.Start()
		done <- res
	}()

	res := <-done
	return res.confineErr, res.err
}

func restrictThread(rules []pathRule) error {
	abi, err := landlockABI()
	if err != nil {
		if errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EOPNOTSUPP) {
			return fmt.Errorf("%w: %v", errConfinementUnsupported, err)
		}
		return fmt.Errorf("query landlock abi: %w", err)
	}

	handled := handledFS(abi)
	attr := unix.LandlockRulesetAttr{Access_fs: handled}
	if abi >= 4 {
		attr.Access_net = unix.LANDLOCK_ACCESS_NET_BIND_TCP | unix.LANDLOCK_ACCESS_NET_CONNECT_TCP
	}
	if abi >= 6 {
		attr.Scoped = unix.LANDLOCK_SCOPE_ABSTRACT_UNIX_SOCKET | unix.LANDLOCK_SCOPE_SIGNAL
	}

	fd, _, errno := unix.Syscall(unix.SYS_LANDLOCK_CREATE_RULESET, uintptr(unsafe.Pointer(&attr)), unsafe.Sizeof(attr), 0)
	if errno != 0 {
		return fmt.Errorf("create landlock ruleset: %w", errno)
	}
	ruleset := int(fd)
	defer unix.Close(ruleset)

	for _, rule := range rules {
		if err := addPathRule(ruleset, rule, handled); err != nil {
			return err
		}
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no_new_privs: %w", err)
	}
	if _, _, errno := unix.Syscall(unix.SYS_LANDLOCK_RESTRICT_SELF, uintptr(ruleset), 0, 0); errno != 0 {
		return fmt.Errorf("landlock restrict self: %w", errno)
	}
	return nil
}

func addPathRule(ruleset int, rule pathRule, handled uint64) error {
	fd, err := unix.Open(rule.path, unix.O_PATH|unix.O_CLOEXEC, 0)
	if err != nil {
		// Roots absent on this host simply grant nothing.
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENOTDIR) || errors.Is(err, unix.EACCES) {
			return nil
		}
		return fmt.Errorf("open %s: %w", rule.path, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return fmt.Errorf("stat %s: %w", rule.path, err)
	}

	access := rule.access & handled
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		access &= fsFileRights
	}
	if access == 0 {
		return nil
	}

	attr := unix.LandlockPathBeneathAttr{Allowed_access: access, Parent_fd: int32(fd)}
	if _, _, errno := unix.Syscall6(unix.SYS_LANDLOCK_ADD_RULE, uintptr(ruleset),
		unix.LANDLOCK_RULE_PATH_BENEATH, uintptr(unsafe.Pointer(&attr)), 0, 0, 0); errno != 0 {
		return fmt.Errorf("add landlock rule for %s: %w", rule.path, errno)
	}
	return nil
}
