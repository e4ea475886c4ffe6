package dtbfix

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Stipulations/DMALibrary/vmm"
)

// fakeEngine implements vmm.Engine in memory so the recovery loop can
// be exercised without a backend.
type fakeEngine struct {
	// progressReads is the sequence returned by successive progress
	// polls; the last entry repeats once exhausted.
	progressReads [][]byte
	progressCalls int

	report    []byte
	reportErr error

	config       map[vmm.ConfigKey]uint64
	writes       []uint64 // SetConfig values in call order
	rejectValues map[uint64]bool
}

func newFakeEngine(report string) *fakeEngine {
	return &fakeEngine{
		progressReads: [][]byte{[]byte("100")},
		report:        []byte(report),
		config:        map[vmm.ConfigKey]uint64{},
		rejectValues:  map[uint64]bool{},
	}
}

func (e *fakeEngine) KernelBuild() (string, error) { return "26100", nil }

func (e *fakeEngine) ProcessFromName(name string) (vmm.Process, error) {
	return nil, vmm.ErrProcessNotFound
}

func (e *fakeEngine) ProcessFromPID(pid vmm.PID) (vmm.Process, error) {
	return nil, vmm.ErrProcessNotFound
}

func (e *fakeEngine) VfsRead(path string, size int, offset int64) ([]byte, error) {
	switch path {
	case vmm.VfsProgressPath:
		i := e.progressCalls
		if i >= len(e.progressReads) {
			i = len(e.progressReads) - 1
		}
		e.progressCalls++
		return e.progressReads[i], nil
	case vmm.VfsDTBReportPath:
		if e.reportErr != nil {
			return nil, e.reportErr
		}
		if size < len(e.report) {
			return e.report[:size], nil
		}
		return e.report, nil
	default:
		return nil, fmt.Errorf("no such virtual file: %s", path)
	}
}

func (e *fakeEngine) GetConfig(key vmm.ConfigKey) (uint64, error) {
	value, ok := e.config[key]
	if !ok {
		return 0, vmm.ErrConfigRejected
	}
	return value, nil
}

func (e *fakeEngine) SetConfig(key vmm.ConfigKey, value uint64) error {
	if e.rejectValues[value] {
		return vmm.ErrConfigRejected
	}
	e.writes = append(e.writes, value)
	e.config[key] = value
	return nil
}

func (e *fakeEngine) Close() error { return nil }

// fakeProcess resolves its module only while the engine holds the
// working DTB in the process's override.
type fakeProcess struct {
	engine     *fakeEngine
	pid        vmm.PID
	workingDTB uint64
	probes     int
}

func (p *fakeProcess) PID() vmm.PID { return p.pid }

func (p *fakeProcess) ModuleBase(name string) (vmm.Address, error) {
	p.probes++
	if p.engine.config[vmm.ProcessDTBKey(p.pid)] == p.workingDTB {
		return 0x7ff6a0000000, nil
	}
	return 0, vmm.ErrModuleNotFound
}

func newTestFixer(engine *fakeEngine) *Fixer {
	fixer := NewFixer(engine)
	fixer.PollInterval = time.Millisecond
	return fixer
}

func TestFixCommitsFirstWorkingCandidate(t *testing.T) {
	engine := newFakeEngine("2 0 1000\n4 0 2000\n6 0 3000\n8 0 4000\n")
	process := &fakeProcess{engine: engine, pid: 1234, workingDTB: 0x3000}

	fixed, err := newTestFixer(engine).Fix(process, "target.exe", 1234)
	if err != nil {
		t.Fatal(err)
	}
	if !fixed {
		t.Fatal("expected fix to succeed")
	}

	// Candidates 1..3 tried in order, candidate 4 never attempted.
	expWrites := []uint64{0x1000, 0x2000, 0x3000}
	if len(engine.writes) != len(expWrites) {
		t.Fatalf("expected %d writes - got %d: %x", len(expWrites), len(engine.writes), engine.writes)
	}
	for i := range expWrites {
		if engine.writes[i] != expWrites[i] {
			t.Fatalf("write %d: expected %x - got %x", i, expWrites[i], engine.writes[i])
		}
	}

	// The working root stays committed.
	if got := engine.config[vmm.ProcessDTBKey(1234)]; got != 0x3000 {
		t.Fatalf("expected committed DTB 0x3000 - got %x", got)
	}
}

func TestFixExhaustsAllCandidates(t *testing.T) {
	engine := newFakeEngine("2 0 1000\n4 0 2000\n6 0 3000\n")
	process := &fakeProcess{engine: engine, pid: 42, workingDTB: 0xdead} // never matches

	fixed, err := newTestFixer(engine).Fix(process, "target.exe", 42)
	if err != nil {
		t.Fatal(err)
	}
	if fixed {
		t.Fatal("expected fix to report not fixed")
	}

	if len(engine.writes) != 3 {
		t.Fatalf("expected all 3 candidates tried - got %d writes", len(engine.writes))
	}
	if process.probes != 3 {
		t.Fatalf("expected 3 probes - got %d", process.probes)
	}
}

func TestFixRevertsOverrideOnExhaustion(t *testing.T) {
	engine := newFakeEngine("2 0 1000\n4 0 2000\n")
	key := vmm.ProcessDTBKey(7)
	engine.config[key] = 0xaaa000 // pre-existing override

	process := &fakeProcess{engine: engine, pid: 7, workingDTB: 0xdead}

	fixed, err := newTestFixer(engine).Fix(process, "target.exe", 7)
	if err != nil || fixed {
		t.Fatalf("expected (false, nil) - got (%v, %v)", fixed, err)
	}

	if got := engine.config[key]; got != 0xaaa000 {
		t.Fatalf("expected override restored to 0xAAA000 - got %x", got)
	}
}

func TestFixNoRevertLeavesLastCandidate(t *testing.T) {
	engine := newFakeEngine("2 0 1000\n4 0 2000\n")
	key := vmm.ProcessDTBKey(7)
	engine.config[key] = 0xaaa000

	process := &fakeProcess{engine: engine, pid: 7, workingDTB: 0xdead}

	fixer := newTestFixer(engine)
	fixer.RevertOnFailure = false

	fixed, err := fixer.Fix(process, "target.exe", 7)
	if err != nil || fixed {
		t.Fatalf("expected (false, nil) - got (%v, %v)", fixed, err)
	}

	if got := engine.config[key]; got != 0x2000 {
		t.Fatalf("expected last candidate 0x2000 left in place - got %x", got)
	}
}

func TestFixEmptyReportMakesNoWrites(t *testing.T) {
	for _, report := range []string{"", "3 1 ffff\nnot a record\n"} {
		engine := newFakeEngine(report)
		process := &fakeProcess{engine: engine, pid: 1, workingDTB: 0x1000}

		fixed, err := newTestFixer(engine).Fix(process, "target.exe", 1)
		if err != nil {
			t.Fatal(err)
		}
		if fixed {
			t.Fatal("expected not fixed for empty candidate set")
		}
		if len(engine.writes) != 0 {
			t.Fatalf("expected no config writes - got %d", len(engine.writes))
		}
		if process.probes != 0 {
			t.Fatalf("expected no probes - got %d", process.probes)
		}
	}
}

func TestFixSkipsRejectedWrites(t *testing.T) {
	engine := newFakeEngine("2 0 1000\n4 0 2000\n")
	engine.rejectValues[0x1000] = true
	process := &fakeProcess{engine: engine, pid: 9, workingDTB: 0x2000}

	fixed, err := newTestFixer(engine).Fix(process, "target.exe", 9)
	if err != nil {
		t.Fatal(err)
	}
	if !fixed {
		t.Fatal("expected second candidate to succeed")
	}

	// The rejected candidate must not be probed.
	if process.probes != 1 {
		t.Fatalf("expected 1 probe - got %d", process.probes)
	}
}

func TestFixPropagatesReportFetchError(t *testing.T) {
	engine := newFakeEngine("")
	engine.reportErr = errors.New("vfs read failed")
	process := &fakeProcess{engine: engine, pid: 1}

	_, err := newTestFixer(engine).Fix(process, "target.exe", 1)
	if err == nil || !errors.Is(err, engine.reportErr) {
		t.Fatalf("expected report fetch error propagated - got %v", err)
	}
}

func TestFixWaitsForExactThreeByteProgress(t *testing.T) {
	engine := newFakeEngine("2 0 1000\n")
	// 2- and 4-byte reads do not signal completion; only exactly 3.
	engine.progressReads = [][]byte{[]byte("10"), []byte("100\n"), []byte("100")}
	process := &fakeProcess{engine: engine, pid: 5, workingDTB: 0x1000}

	fixed, err := newTestFixer(engine).Fix(process, "target.exe", 5)
	if err != nil {
		t.Fatal(err)
	}
	if !fixed {
		t.Fatal("expected fix to succeed after scan completion")
	}
	if engine.progressCalls != 3 {
		t.Fatalf("expected 3 progress polls - got %d", engine.progressCalls)
	}
}

func TestFixPollLimit(t *testing.T) {
	engine := newFakeEngine("2 0 1000\n")
	engine.progressReads = [][]byte{[]byte("10")} // never completes

	fixer := newTestFixer(engine)
	fixer.PollAttempts = 4

	_, err := fixer.Fix(&fakeProcess{engine: engine, pid: 1}, "target.exe", 1)
	if !errors.Is(err, ErrScanTimeout) {
		t.Fatalf("expected ErrScanTimeout - got %v", err)
	}
	if engine.progressCalls != 4 {
		t.Fatalf("expected 4 progress polls - got %d", engine.progressCalls)
	}
}
