//go:build linux

// Package vmm_mount implements vmm.Engine on top of a memory
// introspection backend's mounted virtual filesystem. Every capability
// is a file read or write under the mount root, the same way /proc
// exposes live process state: the kernel build is a text file, the
// process list is a directory of name-pid entries, and the per-process
// DTB override is a writable hex file.
package vmm_mount

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/Stipulations/DMALibrary/vmm"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
)

// Engine implements the vmm.Engine interface over a mount root.
type Engine struct {
	root string
	log  *logger.Logger

	mu      sync.Mutex
	backend *exec.Cmd // nil when attached to an external mount
	closed  bool
}

// Attach binds to an already-mounted backend filesystem without owning
// the backend process. Close on an attached engine releases nothing
// beyond the handle itself.
func Attach(root string) (*Engine, error) {
	for _, dir := range []string{"name", "pid"} {
		info, err := os.Stat(filepath.Join(root, dir))
		if err != nil || !info.IsDir() {
			return nil, fmt.Errorf("%s does not look like a backend mount: missing %s/", root, dir)
		}
	}

	return &Engine{
		root: root,
		log:  logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, "vmm-mount")),
	}, nil
}

// KernelBuild returns the target kernel's build number as published by
// the backend.
func (e *Engine) KernelBuild() (string, error) {
	if e.isClosed() {
		return "", vmm.ErrEngineClosed
	}

	data, err := os.ReadFile(filepath.Join(e.root, "sys", "version-build.txt"))
	if err != nil {
		return "", fmt.Errorf("read kernel build: %w", err)
	}

	return strings.TrimSpace(string(data)), nil
}

// ProcessFromName scans the name directory for an exact match. Entries
// are published as <name>-<pid>; when several processes share a name
// the lowest PID wins for determinism.
func (e *Engine) ProcessFromName(name string) (vmm.Process, error) {
	if e.isClosed() {
		return nil, vmm.ErrEngineClosed
	}
	if name == "" {
		return nil, fmt.Errorf("empty process name")
	}

	entries, err := os.ReadDir(filepath.Join(e.root, "name"))
	if err != nil {
		return nil, fmt.Errorf("read process list: %w", err)
	}

	best := vmm.PID(0)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		entryName, pid, ok := splitNameEntry(entry.Name())
		if !ok || entryName != name {
			continue
		}
		if best == 0 || pid < best {
			best = pid
		}
	}

	if best == 0 {
		return nil, fmt.Errorf("%w: %s", vmm.ErrProcessNotFound, name)
	}

	return &mountProcess{engine: e, pid: best}, nil
}

// ProcessFromPID binds a handle to the given PID.
func (e *Engine) ProcessFromPID(pid vmm.PID) (vmm.Process, error) {
	if e.isClosed() {
		return nil, vmm.ErrEngineClosed
	}

	info, err := os.Stat(filepath.Join(e.root, "pid", strconv.FormatUint(uint64(pid), 10)))
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: pid %d", vmm.ErrProcessNotFound, pid)
	}

	return &mountProcess{engine: e, pid: pid}, nil
}

// VfsRead reads up to size bytes at offset from a virtual file. A
// short read at end of file returns the bytes read and no error.
func (e *Engine) VfsRead(path string, size int, offset int64) ([]byte, error) {
	if e.isClosed() {
		return nil, vmm.ErrEngineClosed
	}

	f, err := os.Open(e.vfsPath(path))
	if err != nil {
		return nil, fmt.Errorf("open virtual file %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, size)
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read virtual file %s: %w", path, err)
	}
	return buf[:n], nil
}

// GetConfig reads a backend configuration value. Only the per-process
// DTB override option is mapped; other option bases are rejected.
func (e *Engine) GetConfig(key vmm.ConfigKey) (uint64, error) {
	if e.isClosed() {
		return 0, vmm.ErrEngineClosed
	}

	path, err := e.configPath(key)
	if err != nil {
		return 0, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read config %x: %w", uint64(key), err)
	}

	value, err := parseHex(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse config %x: %w", uint64(key), err)
	}
	return value, nil
}

// SetConfig writes a backend configuration value by overwriting the
// option's backing file.
func (e *Engine) SetConfig(key vmm.ConfigKey, value uint64) error {
	if e.isClosed() {
		return vmm.ErrEngineClosed
	}

	path, err := e.configPath(key)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(fmt.Sprintf("%016x\n", value)), 0644); err != nil {
		return fmt.Errorf("%w: %v", vmm.ErrConfigRejected, err)
	}
	return nil
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// vfsPath converts a backend virtual path, which may use backslash
// separators, into a path under the mount root.
func (e *Engine) vfsPath(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	return filepath.Join(e.root, strings.TrimPrefix(path, "/"))
}

func (e *Engine) configPath(key vmm.ConfigKey) (string, error) {
	switch key.OptionBase() {
	case vmm.ConfigOptProcessDTB:
		pid := strconv.FormatUint(uint64(key.OptionPID()), 10)
		return filepath.Join(e.root, "pid", pid, "memmap", "dtb.txt"), nil
	default:
		return "", fmt.Errorf("%w: option base %x", vmm.ErrConfigRejected, uint64(key.OptionBase()))
	}
}

// splitNameEntry parses a <name>-<pid> directory entry.
func splitNameEntry(entry string) (string, vmm.PID, bool) {
	dash := strings.LastIndex(entry, "-")
	if dash <= 0 || dash == len(entry)-1 {
		return "", 0, false
	}

	pid, err := strconv.ParseUint(entry[dash+1:], 10, 32)
	if err != nil || pid == 0 {
		return "", 0, false
	}

	return entry[:dash], vmm.PID(pid), true
}

func parseHex(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 64)
}

// mountProcess implements vmm.Process for one PID under the mount.
type mountProcess struct {
	engine *Engine
	pid    vmm.PID
}

func (p *mountProcess) PID() vmm.PID {
	return p.pid
}

// ModuleBase reads the module's published base address. The read only
// succeeds when the backend can translate the process's memory, which
// is what makes this usable as a translation probe.
func (p *mountProcess) ModuleBase(name string) (vmm.Address, error) {
	if p.engine.isClosed() {
		return 0, vmm.ErrEngineClosed
	}
	if name == "" {
		return 0, fmt.Errorf("empty module name")
	}

	path := filepath.Join(p.engine.root, "pid",
		strconv.FormatUint(uint64(p.pid), 10), "modules", name, "base.txt")

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %s in pid %d", vmm.ErrModuleNotFound, name, p.pid)
	}

	base, err := parseHex(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse base of %s: %w", name, err)
	}
	return vmm.Address(base), nil
}
