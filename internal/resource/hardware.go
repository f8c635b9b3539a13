package resource

import (
	"fmt"
	"strings"
	"time"
)

// Conservative readings used when the OS cannot be queried.
const (
	DefaultRAMGB       = 1.0
	DefaultCores       = 1
	DefaultCPUFreqMHz  = 1000.0
	DefaultDiskFreeGB  = 1.0
	DefaultDiskTotalGB = 8.0
)

const bytesPerGB = 1024 * 1024 * 1024

// DeviceQuality is a coarse tier derived from a HostProfile.
type DeviceQuality string

const (
	QualityLow     DeviceQuality = "low"
	QualityMedium  DeviceQuality = "medium"
	QualityHigh    DeviceQuality = "high"
	QualityPremium DeviceQuality = "premium"
)

// HostProfile is an immutable snapshot of what the host can run.
type HostProfile struct {
	TotalRAMGB     float64   `json:"total_ram_gb"`
	AvailableRAMGB float64   `json:"available_ram_gb"`
	PhysicalCores  int       `json:"physical_cores"`
	LogicalCores   int       `json:"logical_cores"`
	CPUFreqMHz     float64   `json:"cpu_freq_mhz"`
	CPUModel       string    `json:"cpu_model,omitempty"`
	DiskTotalBytes uint64    `json:"disk_total_bytes"`
	DiskFreeBytes  uint64    `json:"disk_free_bytes"`
	GPUPresent     bool      `json:"gpu_present"`
	GPUMemoryMB    int64     `json:"gpu_memory_mb,omitempty"`
	GPUName        string    `json:"gpu_name,omitempty"`
	OS             string    `json:"os"`
	Arch           string    `json:"arch"`
	ProbedAt       time.Time `json:"probed_at"`
	// Degraded is set when at least one reading fell back to a default.
	Degraded bool `json:"degraded"`
}

// DefaultProfile returns the profile assumed when nothing can be probed.
func DefaultProfile() HostProfile {
	return HostProfile{
		TotalRAMGB:     DefaultRAMGB,
		AvailableRAMGB: DefaultRAMGB,
		PhysicalCores:  DefaultCores,
		LogicalCores:   DefaultCores,
		CPUFreqMHz:     DefaultCPUFreqMHz,
		DiskTotalBytes: uint64(DefaultDiskTotalGB * bytesPerGB),
		DiskFreeBytes:  uint64(DefaultDiskFreeGB * bytesPerGB),
		OS:             "unknown",
		Arch:           "unknown",
		ProbedAt:       time.Now(),
		Degraded:       true,
	}
}

// DiskFreeGB returns free space on the working volume in gigabytes.
func (p HostProfile) DiskFreeGB() float64 {
	return float64(p.DiskFreeBytes) / bytesPerGB
}

// Quality classifies the host. Thresholds compare total RAM, physical
// cores and the nominal CPU frequency.
func (p HostProfile) Quality() DeviceQuality {
	ram, cores, freq := p.TotalRAMGB, p.PhysicalCores, p.CPUFreqMHz
	switch {
	case ram >= 8 && cores >= 4 && freq >= 2500:
		return QualityPremium
	case ram >= 4 && cores >= 2 && freq >= 2000:
		return QualityHigh
	case ram >= 2 && cores >= 2 && freq >= 1500:
		return QualityMedium
	default:
		return QualityLow
	}
}

// String returns a formatted string representation
func (p HostProfile) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Host Profile (%s):\n", p.Quality())
	fmt.Fprintf(&sb, "  OS: %s/%s\n", p.OS, p.Arch)
	if p.CPUModel != "" {
		fmt.Fprintf(&sb, "  CPU: %s\n", p.CPUModel)
	}
	fmt.Fprintf(&sb, "  CPU Cores: %d physical, %d logical @ %.0f MHz\n", p.PhysicalCores, p.LogicalCores, p.CPUFreqMHz)
	fmt.Fprintf(&sb, "  RAM: %.1f GB total, %.1f GB available\n", p.TotalRAMGB, p.AvailableRAMGB)
	fmt.Fprintf(&sb, "  Disk: %.1f GB free of %.1f GB\n", p.DiskFreeGB(), float64(p.DiskTotalBytes)/bytesPerGB)

	if p.GPUPresent {
		fmt.Fprintf(&sb, "  GPU: %s (%d MB VRAM)\n", p.GPUName, p.GPUMemoryMB)
	} else {
		fmt.Fprintf(&sb, "  GPU: Not detected\n")
	}
	if p.Degraded {
		fmt.Fprintf(&sb, "  Note: some readings fell back to conservative defaults\n")
	}

	return sb.String()
}
