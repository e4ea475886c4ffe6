package vmm

// ConfigKey identifies a backend configuration option. Options scoped
// to a single process fold the PID into the key's low bits.
type ConfigKey uint64

const (
	// ConfigOptProcessDTB is the option base for the per-process
	// directory table base override. OR in the PID to address one
	// process.
	ConfigOptProcessDTB ConfigKey = 0x2000000300000000
)

// ProcessDTBKey builds the composite configuration key for one
// process's DTB override.
func ProcessDTBKey(pid PID) ConfigKey {
	return ConfigOptProcessDTB | ConfigKey(pid)
}

// OptionBase strips the PID component from a composite key, leaving
// the option base.
func (k ConfigKey) OptionBase() ConfigKey {
	return k &^ ConfigKey(0xFFFFFFFF)
}

// OptionPID extracts the PID component of a composite key.
func (k ConfigKey) OptionPID() PID {
	return PID(k & 0xFFFFFFFF)
}

// Virtual file paths published by the backend's page-table scanner.
const (
	// VfsProgressPath reports scan progress. The backend writes the
	// fixed-width percentage only once the scan has finished, so a
	// successful 3-byte read is the completion signal.
	VfsProgressPath = "/misc/procinfo/progress_percent.txt"

	// VfsDTBReportPath holds the scanner's per-process DTB report,
	// one whitespace-separated record per line.
	VfsDTBReportPath = "/misc/procinfo/dtb.txt"
)

// MaxDTBReportSize caps how much of the DTB report is fetched in one
// read.
const MaxDTBReportSize = 0x80000
