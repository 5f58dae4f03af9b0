package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOffering_Cost(t *testing.T) {
	req := DefaultRequirement()
	o := Offering{
		NodeID:       "node-1",
		CPUPrice:     0.003,
		RAMPrice:     0.002,
		StoragePrice: 0.0001,
		GPUPrices: map[string]GPUPrice{
			DefaultGPUModel: {Price: 0.35},
		},
	}

	// 0.003*2 + 0.002*4 + 0.0001*32 + 0.35*1
	assert.InDelta(t, 0.3672, o.Cost(req), 1e-9)
}

func TestOffering_Matches(t *testing.T) {
	req := DefaultRequirement()

	tests := []struct {
		name     string
		offering Offering
		expected bool
	}{
		{
			name: "exact model and uptime",
			offering: Offering{
				GPUPrices: map[string]GPUPrice{DefaultGPUModel: {Price: 0.3}},
				Uptime:    0.999,
			},
			expected: true,
		},
		{
			name: "uptime too low",
			offering: Offering{
				GPUPrices: map[string]GPUPrice{DefaultGPUModel: {Price: 0.3}},
				Uptime:    0.95,
			},
			expected: false,
		},
		{
			name: "similar model name is not a match",
			offering: Offering{
				GPUPrices: map[string]GPUPrice{"geforcertx4090-pcie-24gb-v2": {Price: 0.3}},
				Uptime:    1,
			},
			expected: false,
		},
		{
			name:     "no gpus",
			offering: Offering{Uptime: 1},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.offering.Matches(req))
		})
	}
}

func TestBalance_Runtime(t *testing.T) {
	b := Balance{Balance: 10, HourlyCost: 0.5}
	assert.InDelta(t, 20.0, b.Runtime(), 1e-9)

	idle := Balance{Balance: 10}
	assert.Equal(t, 0.0, idle.Runtime())
}

func TestResourceRequirement_Validate(t *testing.T) {
	require.NoError(t, DefaultRequirement().Validate())

	bad := DefaultRequirement()
	bad.MinUptime = 1.5
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MinUptime")

	noModel := DefaultRequirement()
	noModel.GPUModel = ""
	assert.Error(t, noModel.Validate())
}
