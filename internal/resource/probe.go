package resource

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Sampler reads raw figures from the operating system. Each method may
// fail independently.
type Sampler interface {
	Memory(ctx context.Context) (total, available uint64, err error)
	CPUCounts(ctx context.Context) (physical, logical int, err error)
	CPUInfo(ctx context.Context) (mhz float64, model string, err error)
	Disk(ctx context.Context, path string) (total, free uint64, err error)
	GPU(ctx context.Context) (GPUInfo, error)
}

// SystemSampler reads the live host through gopsutil.
type SystemSampler struct{}

func (SystemSampler) Memory(ctx context.Context) (uint64, uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	return vm.Total, vm.Available, nil
}

func (SystemSampler) CPUCounts(ctx context.Context) (int, int, error) {
	logical, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return 0, 0, err
	}
	physical, err := cpu.CountsWithContext(ctx, false)
	if err != nil || physical <= 0 {
		// Some virtualised hosts only expose logical CPUs.
		physical = logical
	}
	return physical, logical, nil
}

func (SystemSampler) CPUInfo(ctx context.Context) (float64, string, error) {
	infos, err := cpu.InfoWithContext(ctx)
	if err != nil {
		return 0, "", err
	}
	var mhz float64
	var model string
	for _, info := range infos {
		if info.Mhz > mhz {
			mhz = info.Mhz
		}
		if model == "" {
			model = info.ModelName
		}
	}
	return mhz, model, nil
}

func (SystemSampler) Disk(ctx context.Context, path string) (uint64, uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err == nil {
		return usage.Total, usage.Free, nil
	}
	return diskSpace(path)
}

func (SystemSampler) GPU(ctx context.Context) (GPUInfo, error) {
	return detectNvidiaGPU(ctx)
}

// Prober turns Sampler readings into a HostProfile. A failing reading is
// replaced by its conservative default and logged.
type Prober struct {
	sampler Sampler
	path    string
	logger  *slog.Logger
}

// NewProber creates a prober for the volume holding path.
func NewProber(sampler Sampler, path string, logger *slog.Logger) *Prober {
	if sampler == nil {
		sampler = SystemSampler{}
	}
	if path == "" {
		path = "."
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{sampler: sampler, path: path, logger: logger}
}

// Probe samples the host. It never fails.
func (p *Prober) Probe(ctx context.Context) HostProfile {
	profile := HostProfile{
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
		ProbedAt: time.Now(),
	}

	total, available, err := p.sampler.Memory(ctx)
	if err != nil || total == 0 {
		p.warn("memory", err)
		profile.TotalRAMGB = DefaultRAMGB
		profile.AvailableRAMGB = DefaultRAMGB
		profile.Degraded = true
	} else {
		profile.TotalRAMGB = float64(total) / bytesPerGB
		profile.AvailableRAMGB = float64(available) / bytesPerGB
	}

	physical, logical, err := p.sampler.CPUCounts(ctx)
	if err != nil || logical <= 0 {
		p.warn("cpu_count", err)
		physical, logical = DefaultCores, DefaultCores
		profile.Degraded = true
	}
	profile.PhysicalCores = physical
	profile.LogicalCores = logical

	mhz, model, err := p.sampler.CPUInfo(ctx)
	if err != nil || mhz <= 0 {
		p.warn("cpu_freq", err)
		mhz = DefaultCPUFreqMHz
		profile.Degraded = true
	}
	profile.CPUFreqMHz = mhz
	profile.CPUModel = model

	diskTotal, diskFree, err := p.sampler.Disk(ctx, p.path)
	if err != nil || diskTotal == 0 {
		p.warn("disk", err)
		diskTotal = uint64(DefaultDiskTotalGB * bytesPerGB)
		diskFree = uint64(DefaultDiskFreeGB * bytesPerGB)
		profile.Degraded = true
	}
	profile.DiskTotalBytes = diskTotal
	profile.DiskFreeBytes = diskFree

	// A missing accelerator is the normal case and not a degradation.
	if gpu, err := p.sampler.GPU(ctx); err == nil && gpu.Present {
		profile.GPUPresent = true
		profile.GPUMemoryMB = gpu.MemoryMB
		profile.GPUName = gpu.Name
	}

	return profile
}

func (p *Prober) warn(reading string, err error) {
	p.logger.Warn("host probe reading unavailable, using conservative default",
		"reading", reading, "path", p.path, "error", err)
}
