package models

import "time"

// RunState is the provisioning controller state recorded for a run
type RunState string

const (
	RunSelecting       RunState = "selecting"
	RunDeploying       RunState = "deploying"
	RunAwaitingRunning RunState = "awaiting_running"
	RunReady           RunState = "ready"
	RunGPUCheckFailed  RunState = "gpu_check_failed"
	RunRebooting       RunState = "rebooting"
	RunSettingUp       RunState = "setting_up"
	RunSetupComplete   RunState = "setup_complete"
	RunFailed          RunState = "failed"
	RunStopped         RunState = "stopped"
)

// IsActive reports whether the run may still own a marketplace instance
func (s RunState) IsActive() bool {
	switch s {
	case RunFailed, RunStopped, RunSelecting:
		return false
	default:
		return true
	}
}

// Run is the persisted record of one provisioning run
type Run struct {
	ID         string    `json:"id"`
	Dataset    string    `json:"dataset"`
	NodeID     string    `json:"node_id,omitempty"`
	InstanceID string    `json:"instance_id,omitempty"`
	State      RunState  `json:"state"`
	Error      string    `json:"error,omitempty"`
	Host       string    `json:"host,omitempty"`
	Port       int       `json:"port,omitempty"`
	User       string    `json:"user,omitempty"`
	HourlyCost float64   `json:"hourly_cost,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// StatusID returns the identifier used for marketplace status/delete calls
func (r *Run) StatusID() string {
	if r.InstanceID != "" {
		return r.InstanceID
	}
	return r.NodeID
}
