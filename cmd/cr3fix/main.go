//go:build linux

package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Stipulations/DMALibrary/dtbfix"
	"github.com/Stipulations/DMALibrary/hexdump"
	"github.com/Stipulations/DMALibrary/vmm"
	"github.com/Stipulations/DMALibrary/vmm_mount"
	"github.com/Stipulations/DMALibrary/vmm_query"
)

func main() {
	vmmFlag := flag.String("vmm", "", "Path to the backend binary to start")
	attachFlag := flag.String("attach", "", "Attach to an existing backend mount instead of starting one")
	deviceFlag := flag.String("device", "fpga", "Acquisition device passed to the backend")
	mountFlag := flag.String("mount", "", "Mount point for the backend filesystem")
	processFlag := flag.String("process", "", "Target process name")
	moduleFlag := flag.String("module", "", "Module to probe (defaults to the process name)")
	pollFlag := flag.Int("poll-ms", 500, "Scan progress poll interval in milliseconds")
	maxPollsFlag := flag.Int("max-polls", 0, "Maximum progress polls before giving up (0 = wait forever)")
	noRevertFlag := flag.Bool("no-revert", false, "Leave the last trialed DTB override in place on failure")
	verboseFlag := flag.Bool("verbose", false, "Hexdump the raw DTB report")
	flag.Parse()

	if *processFlag == "" {
		fmt.Println("Error: --process is required")
		flag.Usage()
		os.Exit(1)
	}
	if *vmmFlag == "" && *attachFlag == "" {
		fmt.Println("Error: one of --vmm or --attach is required")
		flag.Usage()
		os.Exit(1)
	}

	targetModule := *moduleFlag
	if targetModule == "" {
		targetModule = *processFlag
	}

	engine, err := openEngine(*vmmFlag, *attachFlag, *deviceFlag, *mountFlag)
	if err != nil {
		fmt.Printf("Error initializing backend: %v\n", err)
		os.Exit(2)
	}
	defer engine.Close()

	build, err := vmm_query.KernelVersion(engine)
	if err != nil {
		fmt.Printf("Error querying kernel build: %v\n", err)
		os.Exit(2)
	}
	fmt.Printf("Kernel build: %s\n", build)

	pid, ok := vmm_query.FindProcess(engine, *processFlag)
	if !ok {
		fmt.Printf("Process %s not found\n", *processFlag)
		os.Exit(2)
	}
	fmt.Printf("Found %s with pid %d\n", *processFlag, pid)

	if base, ok := vmm_query.FindBaseAddress(engine, pid, targetModule); ok {
		fmt.Printf("%s already resolves at %s, nothing to fix\n", targetModule, base.ToString())
		return
	}

	process, err := engine.ProcessFromPID(pid)
	if err != nil {
		fmt.Printf("Error opening pid %d: %v\n", pid, err)
		os.Exit(2)
	}

	fixer := dtbfix.NewFixer(engine)
	fixer.PollInterval = time.Duration(*pollFlag) * time.Millisecond
	fixer.PollAttempts = *maxPollsFlag
	fixer.RevertOnFailure = !*noRevertFlag

	fixed, err := fixer.Fix(process, targetModule, pid)
	if err != nil {
		fmt.Printf("Error fixing CR3: %v\n", err)
		os.Exit(2)
	}

	if *verboseFlag {
		dumpReport(engine)
	}

	if !fixed {
		fmt.Printf("No working DTB found for %s\n", *processFlag)
		os.Exit(3)
	}

	base, ok := vmm_query.FindBaseAddress(engine, pid, targetModule)
	if !ok {
		fmt.Printf("DTB committed but %s no longer resolves\n", targetModule)
		os.Exit(2)
	}
	fmt.Printf("Fixed: %s now resolves at %s\n", targetModule, base.ToString())
}

func openEngine(vmmPath, attachRoot, device, mount string) (vmm.Engine, error) {
	if attachRoot != "" {
		return vmm_mount.Attach(attachRoot)
	}

	// First argument is reserved by the backend convention.
	args := []string{"", "-device", device}
	if mount != "" {
		args = append(args, "-mount", mount)
	}
	return vmm_mount.Init(vmmPath, args)
}

func dumpReport(engine vmm.Engine) {
	report, err := engine.VfsRead(vmm.VfsDTBReportPath, vmm.MaxDTBReportSize, 0)
	if err != nil {
		fmt.Printf("Error reading DTB report: %v\n", err)
		return
	}

	fmt.Printf("DTB report (%d bytes):\n", len(report))
	fmt.Println(hexdump.DumpReport(report, 64))
}
