package properties

import (
	"strconv"
	"strings"
)

// CFSQuota converts a validated cpu_limit/cpu_guarantee value into a
// cpu.cfs_quota_us value for periodUs, per spec.md §4.4: cores *
// period_us * percentage / 100, floored at the kernel's 1000us minimum.
// "100" and "Nc" with N >= hostCores both mean unlimited, returned as -1.
func CFSQuota(raw string, periodUs int64, hostCores int) int64 {
	if strings.HasSuffix(raw, "c") {
		cores, _ := strconv.ParseFloat(strings.TrimSuffix(raw, "c"), 64)
		if hostCores > 0 && cores >= float64(hostCores) {
			return -1
		}
		return clampQuota(int64(cores * float64(periodUs)))
	}
	pct, _ := strconv.ParseFloat(raw, 64)
	if pct >= 100 {
		return -1
	}
	cores := float64(hostCores)
	if hostCores <= 0 {
		cores = 1
	}
	return clampQuota(int64(cores * float64(periodUs) * pct / 100))
}

func clampQuota(q int64) int64 {
	const minQuota = 1000
	if q < minQuota {
		return minQuota
	}
	return q
}
