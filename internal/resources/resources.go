// Package resources implements the ResourceSampler (D4): a one-shot probe
// of host capacity (logical CPU count, total memory) used to default the
// Scheduler's (C8) admission cap to the machine it's actually running on.
//
// Grounded on the reference tool's src/core/resources.go, which samples
// the same two gopsutil packages on a repeating ticker to drive a live
// stats display; this package keeps only the one-shot capacity read
// SPEC_FULL's DOMAIN STACK calls for, not the continuous CPU/IO-wait
// sampling loop (§4.8's needs stop at "what's the cap", not "what's
// currently running").
package resources

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/arbor-build/arbor/internal/errs"
)

// Capacity is the host's available resource budget along the same four
// axes a Scheduler task declares: CPU (logical cores), Memory (bytes),
// and DiskIO/NetworkIO, which gopsutil has no direct equivalent for and
// are left as configuration-only caps (§4.8: "scaled by configuration").
type Capacity struct {
	CPU    int64
	Memory int64
	DiskIO int64
	NetIO  int64
}

// Sample reads host capacity once. CPU and Memory come from gopsutil;
// DiskIO and NetIO have no natural host-capacity reading so they are left
// at zero — a Scheduler configured to weigh those axes must set them
// explicitly.
func Sample() (Capacity, error) {
	count, err := cpu.Counts(true)
	if err != nil {
		return Capacity{}, errs.NewIOFailure("sampling logical CPU count", err)
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return Capacity{}, errs.NewIOFailure("sampling total memory", err)
	}
	return Capacity{
		CPU:    int64(count),
		Memory: int64(vm.Total),
	}, nil
}
