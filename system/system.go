package system

import (
	"context"
	"fmt"
	"runtime"

	"emperror.dev/errors"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Version is the build version, set with -ldflags at release time.
var Version = "develop"

type Information struct {
	Version string `json:"version"`
	System  System `json:"system"`
}

type System struct {
	Architecture  string `json:"architecture"`
	CPUThreads    int    `json:"cpu_threads"`
	MemoryBytes   uint64 `json:"memory_bytes"`
	KernelVersion string `json:"kernel_version"`
	Hostname      string `json:"hostname"`
	OS            string `json:"os"`
	OSType        string `json:"os_type"`
}

type Utilization struct {
	MemoryTotal   uint64  `json:"memory_total"`
	MemoryUsed    uint64  `json:"memory_used"`
	MemoryPercent float64 `json:"memory_percent"`
	SwapTotal     uint64  `json:"swap_total"`
	SwapUsed      uint64  `json:"swap_used"`
	LoadAvg1      float64 `json:"load_average1"`
	LoadAvg5      float64 `json:"load_average5"`
	LoadAvg15     float64 `json:"load_average15"`
	CpuPercent    float64 `json:"cpu_percent"`
	DiskTotal     uint64  `json:"disk_total"`
	DiskUsed      uint64  `json:"disk_used"`
}

// GetSystemInformation describes the host the engine runs on.
func GetSystemInformation(ctx context.Context) (*Information, error) {
	h, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "system: failed to read host information")
	}
	m, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "system: failed to read memory information")
	}

	osName := h.Platform
	if h.PlatformVersion != "" {
		osName += " " + h.PlatformVersion
	}
	if osName == "" {
		osName = h.OS
	}
	return &Information{
		Version: Version,
		System: System{
			Architecture:  runtime.GOARCH,
			CPUThreads:    runtime.NumCPU(),
			MemoryBytes:   m.Total,
			KernelVersion: h.KernelVersion,
			Hostname:      h.Hostname,
			OS:            osName,
			OSType:        runtime.GOOS,
		},
	}, nil
}

// GetSystemUtilization samples host load. Disk usage is summed over the
// filesystems holding the given paths, each filesystem counted once.
func GetSystemUtilization(ctx context.Context, paths ...string) (*Utilization, error) {
	c, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, err
	}
	m, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	s, err := mem.SwapMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	l, err := load.AvgWithContext(ctx)
	if err != nil {
		return nil, err
	}

	u := &Utilization{
		MemoryTotal:   m.Total,
		MemoryUsed:    m.Used,
		MemoryPercent: m.UsedPercent,
		SwapTotal:     s.Total,
		SwapUsed:      s.Used,
		LoadAvg1:      l.Load1,
		LoadAvg5:      l.Load5,
		LoadAvg15:     l.Load15,
	}
	if len(c) > 0 {
		u.CpuPercent = c[0]
	}

	seen := make(map[string]bool)
	for _, p := range paths {
		if p == "" {
			continue
		}
		usage, err := disk.UsageWithContext(ctx, p)
		if err != nil {
			continue
		}
		// Paths on the same filesystem report identical totals.
		id := fmt.Sprintf("%s:%d", usage.Fstype, usage.Total)
		if seen[id] {
			continue
		}
		seen[id] = true
		u.DiskTotal += usage.Total
		u.DiskUsed += usage.Used
	}
	return u, nil
}

// MemoryUsedPercent returns the share of host memory in use.
func MemoryUsedPercent(ctx context.Context) (float64, error) {
	m, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "system: failed to read memory usage")
	}
	return m.UsedPercent, nil
}
