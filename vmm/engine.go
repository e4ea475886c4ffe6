package vmm

// Engine is the interface that defines operations against a live
// introspection backend session. Implementations are expected to be
// safe for a single caller; concurrent callers mutating the same
// per-process configuration keys will corrupt each other.
type Engine interface {
	// KernelBuild returns the target kernel's build identifier as a
	// display string.
	KernelBuild() (string, error)

	// ProcessFromName looks up a process by exact name. The lowest
	// matching PID wins when several processes share the name.
	ProcessFromName(name string) (Process, error)

	// ProcessFromPID binds a Process handle to the given PID.
	ProcessFromPID(pid PID) (Process, error)

	// VfsRead reads up to size bytes at the given byte offset from a
	// backend virtual file. A short read at end of file is not an
	// error; callers that care about exact lengths check len of the
	// returned slice.
	VfsRead(path string, size int, offset int64) ([]byte, error)

	// GetConfig reads a backend configuration value.
	GetConfig(key ConfigKey) (uint64, error)

	// SetConfig writes a backend configuration value.
	SetConfig(key ConfigKey, value uint64) error

	// Close shuts down the session and releases backend resources.
	Close() error
}

// Process is an opaque handle to one process's memory space within an
// Engine.
type Process interface {
	// PID returns the process identifier this handle is bound to.
	PID() PID

	// ModuleBase resolves the base address of a named module loaded in
	// the process. Resolution only succeeds when the process's address
	// translation is working, which makes it usable as a translation
	// probe.
	ModuleBase(name string) (Address, error)
}
