package provisioner

import (
	"errors"
	"fmt"

	"github.com/almond-mart/almond-trainer/pkg/models"
)

// ErrMissingSSHKey is returned when the public key attached to deploys cannot be read
var ErrMissingSSHKey = errors.New("ssh public key not found")

// MissingSSHKeyError carries the path that was checked
type MissingSSHKeyError struct {
	Path string
	Err  error
}

func (e *MissingSSHKeyError) Error() string {
	return fmt.Sprintf("ssh public key not found at %s: %v", e.Path, e.Err)
}

func (e *MissingSSHKeyError) Unwrap() error {
	return ErrMissingSSHKey
}

// DeploymentRejectedError indicates the marketplace refused the deploy request
type DeploymentRejectedError struct {
	NodeID string
	Err    error
}

func (e *DeploymentRejectedError) Error() string {
	return fmt.Sprintf("deployment on node %s rejected: %v", e.NodeID, e.Err)
}

func (e *DeploymentRejectedError) Unwrap() error {
	return e.Err
}

// InstanceFailedError indicates the marketplace reported the instance as failed
type InstanceFailedError struct {
	InstanceID string
}

func (e *InstanceFailedError) Error() string {
	return fmt.Sprintf("instance %s failed to start", e.InstanceID)
}

// InvalidTransitionError is returned for a state change the controller does not allow
type InvalidTransitionError struct {
	From models.RunState
	To   models.RunState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid run transition %s -> %s", e.From, e.To)
}
