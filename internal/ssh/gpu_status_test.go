package ssh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsGPUFailure(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   bool
	}{
		{"driver mismatch", "Failed to initialize NVML: Driver/library version mismatch", true},
		{"lowercase with leading space", "  failed to initialize NVML: Unknown Error", true},
		{"no devices", "No devices were found", false},
		{"healthy table", "+-----+\n| NVIDIA-SMI 550.54.14  Driver Version: 550.54.14 |", false},
		{"failure later in output", "NVIDIA-SMI has failed because it couldn't communicate", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsGPUFailure(tt.output))
		})
	}
}

func TestParseNvidiaSMI(t *testing.T) {
	status, err := ParseNvidiaSMI("NVIDIA GeForce RTX 4090, 1, 24564, 0, 42, 15.32")
	require.NoError(t, err)

	assert.Equal(t, "NVIDIA GeForce RTX 4090", status.Name)
	assert.Equal(t, int64(1), status.MemoryUsedMB)
	assert.Equal(t, int64(24564), status.MemoryTotalMB)
	assert.Equal(t, 0, status.UtilizationPct)
	assert.Equal(t, 42, status.TemperatureC)
	assert.Equal(t, 15, status.PowerDrawW)
	assert.Contains(t, status.String(), "NVIDIA GeForce RTX 4090: 1MB/24564MB")
}

func TestParseNvidiaSMI_NotAvailable(t *testing.T) {
	status, err := ParseNvidiaSMI("NVIDIA A100, [N/A], 40960, N/A, 30, ")
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.MemoryUsedMB)
	assert.Equal(t, 0, status.PowerDrawW)
}

func TestParseNvidiaSMI_Errors(t *testing.T) {
	tests := []struct {
		name        string
		output      string
		errContains string
	}{
		{"empty", "", "empty nvidia-smi output"},
		{"too few fields", "RTX 4090, 1, 2", "expected 6 fields"},
		{"empty name", " , 1, 2, 3, 4, 5", "empty GPU name"},
		{"bad number", "RTX 4090, lots, 2, 3, 4, 5", "memory.used"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseNvidiaSMI(tt.output)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestParseMultiGPUNvidiaSMI(t *testing.T) {
	statuses, err := ParseMultiGPUNvidiaSMI("RTX 4090, 1, 24564, 0, 42, 15\n\nRTX 4090, 5, 24564, 3, 44, 20\n")
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, 44, statuses[1].TemperatureC)

	_, err = ParseMultiGPUNvidiaSMI("   ")
	assert.Error(t, err)
}
