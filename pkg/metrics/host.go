package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostStats is a point-in-time view of the machine running the workers
type HostStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsed    uint64  `json:"memory_used_bytes"`
	MemoryTotal   uint64  `json:"memory_total_bytes"`
	MemoryPercent float64 `json:"memory_percent"`
}

// ReadHostStats samples CPU over interval and reads virtual memory.
// Fields that cannot be read are left zero.
func ReadHostStats(interval time.Duration) HostStats {
	var s HostStats
	if pct, err := cpu.Percent(interval, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemoryUsed = vm.Used
		s.MemoryTotal = vm.Total
		s.MemoryPercent = vm.UsedPercent
	}
	return s
}

// RegisterHostMetrics adds CPU and memory gauges sampled at scrape time
func (c *Collector) RegisterHostMetrics() {
	if c == nil {
		return
	}
	c.registry.MustRegister(
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "mlorch_host_cpu_percent",
				Help: "Host CPU utilisation since the previous scrape",
			},
			func() float64 {
				pct, err := cpu.Percent(0, false)
				if err != nil || len(pct) == 0 {
					return 0
				}
				return pct[0]
			},
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "mlorch_host_memory_used_bytes",
				Help: "Host memory in use",
			},
			func() float64 {
				vm, err := mem.VirtualMemory()
				if err != nil {
					return 0
				}
				return float64(vm.Used)
			},
		),
	)
}
