package models

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Defaults used by the training workflow
const (
	DefaultCPUs            = 2
	DefaultRAMGiB          = 4
	DefaultStorageGiB      = 32
	DefaultGPUCount        = 1
	DefaultMinVRAMGiB      = 24
	DefaultGPUModel        = "geforcertx4090-pcie-24gb"
	DefaultMinUptime       = 0.999
	DefaultOperatingSystem = "Ubuntu 22.04 LTS"
)

// ResourceRequirement describes the machine a run needs.
// CPU/RAM/storage/VRAM minimums are sent to the marketplace query; GPUModel
// and MinUptime are enforced locally by the selector.
type ResourceRequirement struct {
	CPUs            int     `json:"cpus" mapstructure:"cpus" validate:"min=1"`
	RAMGiB          int     `json:"ram_gib" mapstructure:"ram_gib" validate:"min=1"`
	StorageGiB      int     `json:"storage_gib" mapstructure:"storage_gib" validate:"min=1"`
	GPUCount        int     `json:"gpu_count" mapstructure:"gpu_count" validate:"min=1"`
	MinVRAMGiB      int     `json:"min_vram_gib" mapstructure:"min_vram_gib" validate:"min=0"`
	GPUModel        string  `json:"gpu_model" mapstructure:"gpu_model" validate:"required"`
	MinUptime       float64 `json:"min_uptime" mapstructure:"min_uptime" validate:"gte=0,lte=1"`
	OperatingSystem string  `json:"operating_system" mapstructure:"operating_system" validate:"required"`
}

// DefaultRequirement returns the requirement used when nothing is configured
func DefaultRequirement() ResourceRequirement {
	return ResourceRequirement{
		CPUs:            DefaultCPUs,
		RAMGiB:          DefaultRAMGiB,
		StorageGiB:      DefaultStorageGiB,
		GPUCount:        DefaultGPUCount,
		MinVRAMGiB:      DefaultMinVRAMGiB,
		GPUModel:        DefaultGPUModel,
		MinUptime:       DefaultMinUptime,
		OperatingSystem: DefaultOperatingSystem,
	}
}

var validate = validator.New()

// Validate checks the requirement against its field constraints
func (r ResourceRequirement) Validate() error {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid requirement: %s failed %q (value: %v)", fe.Field(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid requirement: %w", err)
	}
	return nil
}
