// Package gpu detects locally available GPUs by shelling out to
// nvidia-smi, the same mechanism most local-inference node agents use
// since there is no portable, dependency-free way to query GPU
// inventory from Go. Detection failures are treated as "no GPU", not as
// an error: spec.md §6's require_gpu knob decides whether that is fatal.
package gpu

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Device describes one detected GPU.
type Device struct {
	Model      string
	MemoryMB   int64
	Capability float64
}

// Info summarizes everything the node needs to report at registration and
// expose via /metrics/prom.
type Info struct {
	Available bool
	Devices   []Device
}

// TotalMemoryBytes sums MemoryMB across all devices, in bytes.
func (i Info) TotalMemoryBytes() int64 {
	var total int64
	for _, d := range i.Devices {
		total += d.MemoryMB * 1024 * 1024
	}
	return total
}

// Capability returns the first device's compute capability, or zero if
// none was detected or reported.
func (i Info) Capability() float64 {
	if len(i.Devices) == 0 {
		return 0
	}
	return i.Devices[0].Capability
}

// Detect queries nvidia-smi for installed GPUs. A missing binary, a
// nonzero exit, or empty output all report Info{Available: false} rather
// than an error — the caller (cmd/noded) is the one place that turns
// "no GPU" into a fatal condition, and only when require_gpu is true.
func Detect(ctx context.Context) Info {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=name,memory.total,compute_cap",
		"--format=csv,noheader,nounits")
	out, err := cmd.Output()
	if err != nil {
		return Info{Available: false}
	}

	var devices []Device
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 3 {
			continue
		}
		mem, _ := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
		cap, _ := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
		devices = append(devices, Device{
			Model:      strings.TrimSpace(fields[0]),
			MemoryMB:   mem,
			Capability: cap,
		})
	}

	return Info{Available: len(devices) > 0, Devices: devices}
}
