package dtbfix

import (
	"strconv"
	"strings"

	"github.com/Stipulations/DMALibrary/vmm"
)

// rootMarker distinguishes root page-table records in the scanner's
// report. The token's meaning is backend-defined; it is matched
// exactly and never interpreted.
const rootMarker = "0"

// parseCandidates extracts DTB candidates from the raw scanner report.
//
// Each line is whitespace-tokenized as `<label> <marker> <hex-dtb> ...`.
// A line contributes a candidate only when it has at least three tokens,
// the marker is exactly "0", and the third token parses as a base-16
// 64-bit value. Malformed lines are skipped so a truncated or partial
// report degrades to fewer candidates instead of failing.
//
// Insertion order follows report line order and duplicates are kept;
// trial order matters and must stay deterministic.
func parseCandidates(report []byte) []vmm.DTB {
	var candidates []vmm.DTB

	for _, line := range strings.Split(string(report), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if fields[1] != rootMarker {
			continue
		}

		value, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			continue
		}

		candidates = append(candidates, vmm.DTB(value))
	}

	return candidates
}
