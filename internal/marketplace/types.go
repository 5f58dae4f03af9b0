package marketplace

import (
	"encoding/json"
	"strconv"
)

// HostnodesResponse is the response from GET client/deploy/hostnodes
type HostnodesResponse struct {
	Success   bool                `json:"success"`
	Hostnodes map[string]Hostnode `json:"hostnodes"`
}

// Hostnode is one host node advertised by the marketplace
type Hostnode struct {
	Specs      HostnodeSpecs      `json:"specs"`
	Status     HostnodeStatus     `json:"status"`
	Networking HostnodeNetworking `json:"networking"`
	Location   HostnodeLocation   `json:"location"`
}

// HostnodeSpecs holds per-resource pricing and capacity
type HostnodeSpecs struct {
	CPU     ResourceSpec       `json:"cpu"`
	RAM     ResourceSpec       `json:"ram"`
	Storage ResourceSpec       `json:"storage"`
	GPU     map[string]GPUSpec `json:"gpu"`
}

// ResourceSpec is the unit price and available amount of a resource
type ResourceSpec struct {
	Amount float64 `json:"amount"`
	Price  float64 `json:"price"`
}

// GPUSpec is the unit price and availability of one GPU model
type GPUSpec struct {
	Amount int     `json:"amount"`
	Price  float64 `json:"price"`
	VRAM   int     `json:"vram"`
}

// HostnodeStatus reports host reliability
type HostnodeStatus struct {
	Online bool    `json:"online"`
	Uptime float64 `json:"uptime"`
}

// HostnodeNetworking lists the externally reachable ports of a host
type HostnodeNetworking struct {
	Ports []Port `json:"ports"`
}

// HostnodeLocation is the geographic location of a host
type HostnodeLocation struct {
	City    string `json:"city"`
	Region  string `json:"region"`
	Country string `json:"country"`
}

// Port is a port number the API may encode as a number or a string
type Port int

// UnmarshalJSON accepts both 20456 and "20456"
func (p *Port) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*p = Port(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*p = Port(n)
	return nil
}

// BalanceResponse is the response from POST billing/balance
type BalanceResponse struct {
	Success    bool    `json:"success"`
	Balance    float64 `json:"balance"`
	HourlyCost float64 `json:"hourly_cost"`
}

// DeployResponse is the response from POST client/deploy/single
type DeployResponse struct {
	Success      bool            `json:"success"`
	Error        string          `json:"error,omitempty"`
	Server       string          `json:"server"`
	IP           string          `json:"ip"`
	PortForwards map[string]Port `json:"port_forwards"`
}

// VirtualMachineResponse is the response from POST client/get/single
type VirtualMachineResponse struct {
	Success        bool           `json:"success"`
	Error          string         `json:"error,omitempty"`
	VirtualMachine VirtualMachine `json:"virtualmachines"`
}

// VirtualMachine is the status of one deployed VM
type VirtualMachine struct {
	Status       string          `json:"status"`
	IPAddress    string          `json:"ip_address"`
	DefaultUser  string          `json:"default_user"`
	PortForwards map[string]Port `json:"port_forwards"`
}

// ActionResponse is the generic response for delete/stop calls
type ActionResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
