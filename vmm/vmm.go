// Package vmm defines the boundary types for talking to a memory
// introspection backend: the Engine and Process capability interfaces,
// the typed scalars used across the library, and the shared sentinel
// errors.
package vmm

import (
	"errors"
	"fmt"
)

var (
	// ErrProcessNotFound is returned when a process lookup by name or PID
	// finds no match in the target system.
	ErrProcessNotFound = errors.New("process not found")

	// ErrModuleNotFound is returned when a named module is not resolvable
	// inside a process's address space.
	ErrModuleNotFound = errors.New("module not found")

	// ErrConfigRejected is returned when the backend refuses a
	// configuration key, either because the option is unknown or because
	// the backend rejected the write.
	ErrConfigRejected = errors.New("configuration option rejected")

	// ErrEngineClosed is returned when an operation is attempted on an
	// engine whose backend has been shut down.
	ErrEngineClosed = errors.New("engine closed")
)

// PID represents a process identifier inside the target system.
type PID uint32

// Address represents a virtual address inside a target process.
type Address uint64

func (a Address) ToString() string {
	return fmt.Sprintf("0x%X", uint64(a))
}

// DTB represents a directory table base: the physical address of a
// process's page-table root (the value the CPU would hold in CR3).
type DTB uint64

func (d DTB) ToString() string {
	return fmt.Sprintf("0x%X", uint64(d))
}
