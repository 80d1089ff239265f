package telemetry

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats is a point-in-time sample of the host process hosting the
// plugin subsystem. Plugin instances share this process, so RSS growth
// here is the ground truth behind per-instance memory ceilings.
type ProcessStats struct {
	RSSBytes   uint64  `json:"rss_bytes"`
	VMSBytes   uint64  `json:"vms_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	NumThreads int32   `json:"num_threads"`
}

// ProcessSampler samples the current process and optionally mirrors the
// sample into gauges.
type ProcessSampler struct {
	proc    *process.Process
	metrics Metrics
}

// NewProcessSampler builds a sampler for the running process. metrics
// may be a NoopMetrics.
func NewProcessSampler(metrics Metrics) (*ProcessSampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &ProcessSampler{proc: p, metrics: metrics}, nil
}

// Sample reads process resource usage and updates gauges.
func (s *ProcessSampler) Sample() (ProcessStats, error) {
	var stats ProcessStats

	if mem, err := s.proc.MemoryInfo(); err == nil {
		stats.RSSBytes = mem.RSS
		stats.VMSBytes = mem.VMS
	}
	if cpu, err := s.proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if threads, err := s.proc.NumThreads(); err == nil {
		stats.NumThreads = threads
	}

	s.metrics.SetGauge("nxsh_plugin_host_rss_bytes", float64(stats.RSSBytes))
	s.metrics.SetGauge("nxsh_plugin_host_cpu_percent", stats.CPUPercent)
	s.metrics.SetGauge("nxsh_plugin_host_threads", float64(stats.NumThreads))

	return stats, nil
}
