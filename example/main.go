//go:build linux

package main

import (
	"fmt"

	"github.com/Stipulations/DMALibrary/dtbfix"
	"github.com/Stipulations/DMALibrary/vmm_mount"
	"github.com/Stipulations/DMALibrary/vmm_query"
)

func main() {
	// This example demonstrates recovering a broken process DTB.

	// 1. Start the backend and attach to its mount. The first argument
	// is reserved by the backend's convention.
	engine, err := vmm_mount.Init("/opt/memprocfs/memprocfs", []string{"", "-device", "fpga"})
	if err != nil {
		fmt.Printf("Failed to initialize backend: %v\n", err)
		return
	}
	defer engine.Close()

	// 2. Report what we attached to.
	build, err := vmm_query.KernelVersion(engine)
	if err != nil {
		fmt.Printf("Failed to query kernel build: %v\n", err)
		return
	}
	fmt.Printf("Kernel build: %s\n", build)

	// 3. Find the target process.
	pid, ok := vmm_query.FindProcess(engine, "smss.exe")
	if !ok {
		fmt.Println("smss.exe not running")
		return
	}

	// 4. If the module already resolves, translation is fine.
	if base, ok := vmm_query.FindBaseAddress(engine, pid, "smss.exe"); ok {
		fmt.Printf("smss.exe resolves at %s, nothing to do\n", base.ToString())
		return
	}

	// 5. Otherwise brute-force a working DTB from the backend's
	// page-table scan. Fix blocks until the background scan is done.
	process, err := engine.ProcessFromPID(pid)
	if err != nil {
		fmt.Printf("Failed to open pid %d: %v\n", pid, err)
		return
	}

	fixed, err := dtbfix.NewFixer(engine).Fix(process, "smss.exe", pid)
	if err != nil {
		fmt.Printf("DTB recovery failed: %v\n", err)
		return
	}

	if fixed {
		fmt.Println("Successfully fixed CR3 for smss.exe")
	} else {
		fmt.Println("No working DTB found")
	}
}
