package models

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// InstanceStatus is the lifecycle state of a provisioned instance
type InstanceStatus string

const (
	InstancePending InstanceStatus = "pending" // Deployed, not yet running
	InstanceRunning InstanceStatus = "running" // Running and addressable
	InstanceFailed  InstanceStatus = "failed"  // Marketplace reported a failure
)

// ParseInstanceStatus maps a marketplace status string onto InstanceStatus.
// Anything that is neither running nor a failure counts as pending.
func ParseInstanceStatus(s string) InstanceStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running":
		return InstanceRunning
	case "failed", "error", "errored":
		return InstanceFailed
	default:
		return InstancePending
	}
}

// SSHInternalPort is the instance-side port every deploy maps to
const SSHInternalPort = 22

// ProvisionedInstance is one deployed instance. Once Status is running the
// IP and SSHUser are fixed for the instance's lifetime.
type ProvisionedInstance struct {
	NodeID     string         `json:"node_id"`
	InstanceID string         `json:"instance_id"`
	Status     InstanceStatus `json:"status"`
	IP         string         `json:"ip,omitempty"`
	SSHUser    string         `json:"ssh_user,omitempty"`
	Port       int            `json:"port"`
}

// StatusID returns the identifier used to poll the instance status
func (p *ProvisionedInstance) StatusID() string {
	if p.InstanceID != "" {
		return p.InstanceID
	}
	return p.NodeID
}

// Endpoint returns the SSH endpoint of a running instance
func (p *ProvisionedInstance) Endpoint() Endpoint {
	return Endpoint{Host: p.IP, Port: p.Port, User: p.SSHUser}
}

// Endpoint addresses a remote SSH server
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	User string `json:"user"`
}

// Validate checks that the endpoint is fully populated
func (e Endpoint) Validate() error {
	if e.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if e.Port <= 0 || e.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if e.User == "" {
		return fmt.Errorf("user cannot be empty")
	}
	return nil
}

// Addr returns host:port
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s@%s", e.User, e.Addr())
}
