//go:build linux

package vmm_mount

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
)

const (
	// mountWaitTimeout bounds how long Init waits for the backend to
	// bring its filesystem up before giving up.
	mountWaitTimeout = 30 * time.Second

	// stopWaitTimeout bounds how long Close waits for a terminated
	// backend to leave /proc before escalating to SIGKILL.
	stopWaitTimeout = 5 * time.Second
)

// Init starts the backend binary and attaches to the filesystem it
// mounts.
//
// args follow the backend's own convention: the first argument is
// reserved and conventionally empty, the remainder are backend flags
// such as device selection. The reserved argument is dropped before
// exec. When no -mount flag is supplied a temporary directory is
// created and passed along.
//
// Init fails when the backend cannot be started, exits before the
// mount comes up, or the mount does not appear within the wait
// timeout. Backend startup errors are propagated as reported.
func Init(backendPath string, args []string) (*Engine, error) {
	if len(args) > 0 && args[0] == "" {
		args = args[1:]
	}

	root := mountArg(args)
	if root == "" {
		dir, err := os.MkdirTemp("", "vmm-mount-*")
		if err != nil {
			return nil, fmt.Errorf("create mount dir: %w", err)
		}
		root = dir
		args = append(args, "-mount", dir)
	}

	log := logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, "vmm-mount"))

	cmd := exec.Command(backendPath, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start backend %s: %w", backendPath, err)
	}

	log.Infoln("Backend started, pid", cmd.Process.Pid, "mount", root)

	// Reap the backend when it exits so Close never waits on a zombie.
	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	if err := waitForMount(root, waitErr); err != nil {
		return nil, err
	}

	log.Infoln("Backend mount ready at", root)

	return &Engine{
		root:    root,
		log:     log,
		backend: cmd,
	}, nil
}

// Close shuts the session down. An engine that owns its backend
// process terminates it and waits for it to leave /proc, escalating
// to SIGKILL if it lingers. Attached engines only invalidate the
// handle.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	backend := e.backend
	e.mu.Unlock()

	if backend == nil || backend.Process == nil {
		return nil
	}

	pid := backend.Process.Pid
	e.log.Infoln("Stopping backend, pid", pid)

	if err := unix.Kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("stop backend: %w", err)
	}

	if !waitGone(pid, stopWaitTimeout) {
		e.log.Warn("Backend did not exit, sending SIGKILL")
		_ = unix.Kill(pid, unix.SIGKILL)
		waitGone(pid, stopWaitTimeout)
	}

	return nil
}

// mountArg returns the value following a -mount flag, or "".
func mountArg(args []string) string {
	for i, arg := range args {
		if (arg == "-mount" || arg == "--mount") && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// waitForMount polls until root is a live FUSE mount with the backend's
// directory layout, or the backend exits first.
func waitForMount(root string, waitErr <-chan error) error {
	deadline := time.Now().Add(mountWaitTimeout)

	for {
		select {
		case err := <-waitErr:
			if err == nil {
				err = errors.New("backend exited before mount came up")
			}
			return fmt.Errorf("backend failed: %w", err)
		default:
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("mount at %s did not come up within %s", root, mountWaitTimeout)
		}

		if mountReady(root) {
			return nil
		}

		time.Sleep(250 * time.Millisecond)
	}
}

// mountReady reports whether root is FUSE-backed and populated.
func mountReady(root string) bool {
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return false
	}
	if st.Type != unix.FUSE_SUPER_MAGIC {
		return false
	}

	info, err := os.Stat(filepath.Join(root, "name"))
	return err == nil && info.IsDir()
}

// waitGone waits until the PID disappears from /proc or the timeout
// elapses, backing off between checks to reduce pressure on /proc.
func waitGone(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	tick := 25 * time.Millisecond

	for {
		if !procExists(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(tick)
		if tick < 250*time.Millisecond {
			tick += 10 * time.Millisecond
		}
	}
}

func procExists(pid int) bool {
	_, err := os.Stat(filepath.Join("/proc", strconv.Itoa(pid)))
	if err == nil {
		return true
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false
	}
	// Transient stat errors: fall back to kill 0
	return unix.Kill(pid, 0) == nil
}
