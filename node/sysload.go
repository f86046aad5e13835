package node

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

// readSystemLoad returns the one-minute load average normalized by CPU
// count, the metric gating the validator role. Platforms without a
// loadavg file report 0, which keeps the node submitter-only there
// unless the operator bootstraps the role explicitly.
func readSystemLoad() float64 {
	raw, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return 0
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	cpus := float64(runtime.NumCPU())
	if cpus <= 0 {
		return 0
	}
	return load / cpus
}
