package syncrec

import (
	"fmt"
	"strconv"

	sysctl "github.com/lorenzosaino/go-sysctl"
)

// CheckNetworkTuning inspects the kernel socket-buffer limits that bound
// UDP receive throughput and returns a warning per limit smaller than
// minBytes. High-rate network-attached receivers drop packets when these
// are left at distribution defaults.
func CheckNetworkTuning(minBytes int) []string {
	var warnings []string
	for _, key := range []string{"net.core.rmem_max", "net.core.wmem_max"} {
		val, err := sysctl.Get(key)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("could not read %s: %s", key, err))
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("could not parse %s=%q: %s", key, val, err))
			continue
		}
		if n < minBytes {
			warnings = append(warnings,
				fmt.Sprintf("%s=%d is below %d; raise it with sysctl to avoid dropped packets", key, n, minBytes))
		}
	}
	return warnings
}
