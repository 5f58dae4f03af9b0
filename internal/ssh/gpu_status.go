package ssh

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// GPUCheckCommand is the diagnostic whose output signals a detached GPU
	GPUCheckCommand = "nvidia-smi"

	// GPUQueryCommand reports per-GPU details in CSV form
	GPUQueryCommand = "nvidia-smi --query-gpu=name,memory.used,memory.total,utilization.gpu,temperature.gpu,power.draw --format=csv,noheader,nounits"

	// RebootCommand restarts the instance; its exit status is never awaited
	RebootCommand = "sudo reboot"

	// gpuFailureMarker starts nvidia-smi output when the driver cannot reach the GPU,
	// e.g. "Failed to initialize NVML: Driver/library version mismatch"
	gpuFailureMarker = "failed"
)

// IsGPUFailure reports whether nvidia-smi output begins with the failure marker
func IsGPUFailure(output string) bool {
	output = strings.TrimSpace(output)
	return strings.HasPrefix(strings.ToLower(output), gpuFailureMarker)
}

// GPUStatus represents one GPU row of the nvidia-smi query output
type GPUStatus struct {
	Name           string
	MemoryUsedMB   int64
	MemoryTotalMB  int64
	UtilizationPct int
	TemperatureC   int
	PowerDrawW     int
}

// MemoryUsedPct returns the percentage of GPU memory in use
func (g *GPUStatus) MemoryUsedPct() float64 {
	if g.MemoryTotalMB == 0 {
		return 0
	}
	return float64(g.MemoryUsedMB) / float64(g.MemoryTotalMB) * 100
}

func (g *GPUStatus) String() string {
	return fmt.Sprintf("%s: %dMB/%dMB (%.1f%%), %d%% util, %dC, %dW",
		g.Name, g.MemoryUsedMB, g.MemoryTotalMB, g.MemoryUsedPct(),
		g.UtilizationPct, g.TemperatureC, g.PowerDrawW)
}

// ParseNvidiaSMI parses the first row of GPUQueryCommand output.
// Example row: "NVIDIA GeForce RTX 4090, 1, 24564, 0, 42, 15.32"
func ParseNvidiaSMI(output string) (*GPUStatus, error) {
	output = strings.TrimSpace(output)
	if output == "" {
		return nil, fmt.Errorf("empty nvidia-smi output")
	}

	line := strings.TrimSpace(strings.SplitN(output, "\n", 2)[0])
	parts := strings.Split(line, ",")
	if len(parts) < 6 {
		return nil, fmt.Errorf("invalid nvidia-smi output format: expected 6 fields, got %d (output: %q)", len(parts), line)
	}

	status := &GPUStatus{Name: strings.TrimSpace(parts[0])}
	if status.Name == "" {
		return nil, fmt.Errorf("empty GPU name in nvidia-smi output")
	}

	fields := []struct {
		name string
		dst  func(int)
	}{
		{"memory.used", func(v int) { status.MemoryUsedMB = int64(v) }},
		{"memory.total", func(v int) { status.MemoryTotalMB = int64(v) }},
		{"utilization.gpu", func(v int) { status.UtilizationPct = v }},
		{"temperature.gpu", func(v int) { status.TemperatureC = v }},
		{"power.draw", func(v int) { status.PowerDrawW = v }},
	}
	for i, f := range fields {
		v, err := parseNumber(parts[i+1], f.name)
		if err != nil {
			return nil, err
		}
		f.dst(v)
	}

	return status, nil
}

// ParseMultiGPUNvidiaSMI parses every row of GPUQueryCommand output
func ParseMultiGPUNvidiaSMI(output string) ([]*GPUStatus, error) {
	var statuses []*GPUStatus
	for i, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		status, err := ParseNvidiaSMI(line)
		if err != nil {
			return nil, fmt.Errorf("failed to parse GPU %d: %w", i, err)
		}
		statuses = append(statuses, status)
	}

	if len(statuses) == 0 {
		return nil, fmt.Errorf("no GPUs found in nvidia-smi output")
	}
	return statuses, nil
}

// parseNumber parses an integer or decimal field, treating N/A as zero
func parseNumber(s, fieldName string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "[N/A]" || s == "N/A" {
		return 0, nil
	}

	if v, err := strconv.Atoi(s); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s %q: %w", fieldName, s, err)
	}
	return int(f), nil
}
