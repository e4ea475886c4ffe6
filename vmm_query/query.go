// Package vmm_query provides one-shot lookup helpers over a vmm.Engine.
//
// Lookup misses are a routine outcome, not a fault: FindProcess and
// FindBaseAddress log the miss and report "not found" instead of
// returning an error. Backend failures that prevent any further work,
// like a failed kernel version query, are propagated unchanged.
package vmm_query

import (
	"github.com/Stipulations/DMALibrary/vmm"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
)

var log = logger.NewLogger(coloransi.Color(coloransi.ColorTeal, coloransi.ColorOrange, "vmm-query"))

// KernelVersion returns the target kernel's build identifier. Backend
// errors are propagated unchanged.
func KernelVersion(engine vmm.Engine) (string, error) {
	return engine.KernelBuild()
}

// FindProcess looks up a process by exact name and returns its PID.
// The second return is false when no such process exists or the
// backend lookup failed.
func FindProcess(engine vmm.Engine, name string) (vmm.PID, bool) {
	process, err := engine.ProcessFromName(name)
	if err != nil {
		log.Infoln("Failed to find", name+":", err)
		return 0, false
	}
	return process.PID(), true
}

// FindBaseAddress resolves the base address of a module loaded in the
// process with the given PID. Any failure along the way, whether the
// process is gone or the module is not loaded, collapses to "not
// found".
func FindBaseAddress(engine vmm.Engine, pid vmm.PID, moduleName string) (vmm.Address, bool) {
	process, err := engine.ProcessFromPID(pid)
	if err != nil {
		log.Infoln("Failed to open pid", pid, "for", moduleName+":", err)
		return 0, false
	}

	base, err := process.ModuleBase(moduleName)
	if err != nil {
		log.Infoln("Failed to find", moduleName, "base:", err)
		return 0, false
	}

	return base, true
}
