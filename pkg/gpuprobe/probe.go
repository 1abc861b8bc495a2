// Package gpuprobe implements the GPU Probe (C1): a synchronous
// device snapshot plus a background monitor, grounded on the
// teacher's runner/gpu.go and runner/nvidiasmi.go nvidia-smi
// shell-out and its /proc/meminfo and sysctl fallback chain.
package gpuprobe

import (
	"context"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/modelforge/orchestrator/pkg/types"
)

// Prober exposes the C1 contract: a synchronous snapshot and a
// background monitor that invokes callback on an interval.
type Prober struct {
	log     zerolog.Logger
	lookup  func(string) (string, error)
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

func New(log zerolog.Logger) *Prober {
	return &Prober{
		log:     log.With().Str("component", "gpuprobe").Logger(),
		lookup:  exec.LookPath,
		command: exec.CommandContext,
	}
}

// DetectGPUs returns a point-in-time snapshot of every device this
// host can see. When nvidia-smi is unavailable or returns nothing
// usable, a single vendor=UNKNOWN synthetic reading derived from host
// memory is returned instead, so the calculator and scheduler always
// have something to validate against.
func (p *Prober) DetectGPUs(ctx context.Context) []types.GPUInfo {
	if _, err := p.lookup("nvidia-smi"); err == nil {
		if infos, err := p.queryNvidiaSMI(ctx); err == nil && len(infos) > 0 {
			return infos
		} else if err != nil {
			p.log.Warn().Err(err).Msg("nvidia-smi query failed, falling back to synthetic GPU reading")
		}
	}
	return []types.GPUInfo{p.syntheticFromHostMemory(ctx)}
}

// StartMonitor runs DetectGPUs every interval until ctx is cancelled,
// invoking callback with each new snapshot.
func (p *Prober) StartMonitor(ctx context.Context, interval time.Duration, callback func([]types.GPUInfo)) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				callback(p.DetectGPUs(ctx))
			}
		}
	}()
}

const nvidiaQueryFields = "index,name,memory.total,memory.used,memory.free,utilization.gpu,temperature.gpu,power.draw,driver_version"

func (p *Prober) queryNvidiaSMI(ctx context.Context) ([]types.GPUInfo, error) {
	cmd := p.command(ctx, "nvidia-smi", "--query-gpu="+nvidiaQueryFields, "--format=csv,noheader,nounits")
	output, err := cmd.Output()
	if err != nil {
		return nil, err
	}
	return parseNvidiaSMICSV(string(output), p.log), nil
}

func parseNvidiaSMICSV(output string, log zerolog.Logger) []types.GPUInfo {
	var infos []types.GPUInfo
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 9 {
			log.Warn().Str("line", line).Msg("unexpected nvidia-smi field count, skipping row")
			continue
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}

		deviceID, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		memTotal := parseUintField(fields[2])
		memUsed := parseUintField(fields[3])
		memFree := parseUintField(fields[4])
		if memTotal == 0 {
			memTotal = memUsed + memFree
		}

		infos = append(infos, types.GPUInfo{
			DeviceID:      deviceID,
			Vendor:        types.GPUVendorNVIDIA,
			Name:          fields[1],
			MemoryTotal:   memTotal,
			MemoryUsed:    memUsed,
			MemoryFree:    memFree,
			Utilization:   parseFloatField(fields[5]),
			Temperature:   parseFloatField(fields[6]),
			PowerUsage:    parseFloatField(fields[7]),
			DriverVersion: fields[8],
		})
	}
	return infos
}

func parseUintField(s string) uint64 {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseFloatField(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// syntheticFromHostMemory produces a single vendor=UNKNOWN GPUInfo
// from system memory, mirroring the teacher's development-CPU-only
// fallback (MemAvailable/MemTotal from /proc/meminfo on Linux,
// hw.memsize via sysctl elsewhere).
func (p *Prober) syntheticFromHostMemory(ctx context.Context) types.GPUInfo {
	total, free := p.hostMemory(ctx)
	used := uint64(0)
	if total > free {
		used = total - free
	}
	return types.GPUInfo{
		DeviceID:    0,
		Vendor:      types.GPUVendorUnknown,
		Name:        "unknown",
		MemoryTotal: total / (1024 * 1024),
		MemoryUsed:  used / (1024 * 1024),
		MemoryFree:  free / (1024 * 1024),
	}
}

func (p *Prober) hostMemory(ctx context.Context) (totalBytes, freeBytes uint64) {
	switch runtime.GOOS {
	case "linux":
		return p.linuxMeminfo(ctx)
	case "darwin":
		return p.darwinSysctl(ctx)
	default:
		const fallback = 16 * 1024 * 1024 * 1024
		return fallback, fallback
	}
}

func (p *Prober) linuxMeminfo(ctx context.Context) (totalBytes, freeBytes uint64) {
	output, err := p.command(ctx, "cat", "/proc/meminfo").Output()
	if err != nil {
		p.log.Warn().Err(err).Msg("failed to read /proc/meminfo, using default GPU memory")
		const fallback = 16 * 1024 * 1024 * 1024
		return fallback, fallback
	}
	for _, line := range strings.Split(string(output), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb := parseUintField(fields[1])
		switch strings.TrimSuffix(fields[0], ":") {
		case "MemTotal":
			totalBytes = kb * 1024
		case "MemAvailable":
			freeBytes = kb * 1024
		}
	}
	if totalBytes == 0 {
		const fallback = 16 * 1024 * 1024 * 1024
		totalBytes, freeBytes = fallback, fallback
	}
	return totalBytes, freeBytes
}

func (p *Prober) darwinSysctl(ctx context.Context) (totalBytes, freeBytes uint64) {
	output, err := p.command(ctx, "sysctl", "hw.memsize").Output()
	if err != nil {
		p.log.Warn().Err(err).Msg("failed to read hw.memsize, using default GPU memory")
		const fallback = 16 * 1024 * 1024 * 1024
		return fallback, fallback
	}
	parts := strings.SplitN(string(output), ":", 2)
	if len(parts) != 2 {
		const fallback = 16 * 1024 * 1024 * 1024
		return fallback, fallback
	}
	total := parseUintField(strings.TrimSpace(parts[1]))
	return total, total
}
