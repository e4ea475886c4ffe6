// Package dtbfix recovers a process's directory table base when the
// value the backend inferred is stale or wrong.
//
// The backend runs a system-wide page-table scan in the background and
// publishes its findings through virtual report files. The fixer waits
// for that scan to finish, parses the report into candidate DTBs, and
// trials each one against the live engine: write the candidate into the
// process's DTB override, then probe whether a known module becomes
// resolvable. The first candidate that makes translation work is left
// committed.
package dtbfix

import (
	"errors"
	"fmt"
	"time"

	"github.com/Stipulations/DMALibrary/vmm"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
)

const (
	// DefaultPollInterval is the delay between scan-progress polls.
	DefaultPollInterval = 500 * time.Millisecond
)

// ErrScanTimeout is returned when the backend scan did not complete
// within the configured number of progress polls.
var ErrScanTimeout = errors.New("page-table scan did not complete")

// Fixer drives DTB recovery against one engine.
//
// A Fixer assumes it is the only writer of the target process's DTB
// override for the duration of Fix; concurrent fixers racing on the
// same PID corrupt each other's trials.
type Fixer struct {
	engine vmm.Engine
	log    *logger.Logger

	// PollInterval is the delay between scan-progress polls.
	PollInterval time.Duration

	// PollAttempts bounds how many progress polls are made before
	// giving up with ErrScanTimeout. Zero means poll forever, which
	// matches the backend's own tooling but hangs if the scan never
	// finishes.
	PollAttempts int

	// RevertOnFailure restores the process's pre-trial DTB override
	// when no candidate works. When false the last trialed candidate
	// is left in effect.
	RevertOnFailure bool
}

// NewFixer creates a Fixer with default polling behavior: 500ms
// interval, no poll limit, revert on failure.
func NewFixer(engine vmm.Engine) *Fixer {
	return &Fixer{
		engine:          engine,
		log:             logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, "dtbfix")),
		PollInterval:    DefaultPollInterval,
		PollAttempts:    0,
		RevertOnFailure: true,
	}
}

// Fix finds and commits a working DTB for the process.
//
// It blocks until the backend's page-table scan completes, fetches the
// scan report, and trials each candidate root in report order: the
// candidate is written into the process's DTB override and the target
// module's base address is probed on the supplied handle. The first
// candidate that makes the module resolvable is left committed and Fix
// returns true.
//
// Fix returns false with a nil error when the report yielded no
// working candidate; that is a normal outcome, not a fault. The error
// is non-nil only when the report itself could not be fetched or the
// poll limit was exceeded.
func (f *Fixer) Fix(process vmm.Process, targetModule string, pid vmm.PID) (bool, error) {
	if err := f.waitForScan(); err != nil {
		return false, err
	}

	report, err := f.engine.VfsRead(vmm.VfsDTBReportPath, vmm.MaxDTBReportSize, 0)
	if err != nil {
		return false, fmt.Errorf("fetch dtb report: %w", err)
	}

	candidates := parseCandidates(report)
	f.log.Infoln("Parsed", len(candidates), "DTB candidates from scan report")

	if len(candidates) == 0 {
		return false, nil
	}

	return f.trial(process, targetModule, pid, candidates)
}

// waitForScan polls the scanner's progress file until the backend has
// written the fixed-width percentage. The file is only populated once
// the scan finishes, so completion is signaled by a read returning
// exactly 3 bytes; shorter or longer reads keep polling, as do read
// errors.
func (f *Fixer) waitForScan() error {
	interval := f.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	for attempt := 0; ; attempt++ {
		if f.PollAttempts > 0 && attempt >= f.PollAttempts {
			return ErrScanTimeout
		}

		progress, err := f.engine.VfsRead(vmm.VfsProgressPath, 3, 0)
		if err == nil && len(progress) == 3 {
			f.log.Infoln("Page-table scan complete")
			return nil
		}

		time.Sleep(interval)
	}
}

// trial walks the candidate list in order. Each candidate is written
// into the per-process DTB override; a failed write skips to the next
// candidate without retrying. After a successful write the target
// module is probed, and the first resolvable probe commits the
// candidate by leaving the override in place.
func (f *Fixer) trial(process vmm.Process, targetModule string, pid vmm.PID, candidates []vmm.DTB) (bool, error) {
	key := vmm.ProcessDTBKey(pid)

	// Snapshot the current override so an exhausted trial can restore
	// it. A failed snapshot just disables the revert.
	previous, prevErr := f.engine.GetConfig(key)

	for i, dtb := range candidates {
		if err := f.engine.SetConfig(key, uint64(dtb)); err != nil {
			f.log.Debugln("Candidate", dtb.ToString(), "rejected by config channel:", err)
			continue
		}

		if _, err := process.ModuleBase(targetModule); err != nil {
			f.log.Debugln("Candidate", dtb.ToString(), "did not resolve", targetModule)
			continue
		}

		f.log.Infoln("Committed DTB", dtb.ToString(), "for pid", pid, "(candidate", i+1, "of", len(candidates), ")")
		return true, nil
	}

	if f.RevertOnFailure && prevErr == nil {
		if err := f.engine.SetConfig(key, previous); err != nil {
			f.log.Warn("Failed to restore previous DTB override:", err)
		}
	}

	f.log.Infoln("No candidate resolved", targetModule, "for pid", pid)
	return false, nil
}
