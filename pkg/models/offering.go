package models

// GPUPrice is the per-unit price and capacity of one GPU model on a host node
type GPUPrice struct {
	Price  float64 `json:"price"`
	Amount int     `json:"amount"`
	VRAM   int     `json:"vram"`
}

// Offering is a marketplace host node with per-resource pricing.
// Offerings are fetched fresh for each selection and never cached.
type Offering struct {
	NodeID       string              `json:"node_id"`
	CPUPrice     float64             `json:"cpu_price"`     // per vCPU hour
	RAMPrice     float64             `json:"ram_price"`     // per GiB hour
	StoragePrice float64             `json:"storage_price"` // per GiB hour
	GPUPrices    map[string]GPUPrice `json:"gpu_prices"`    // keyed by marketplace GPU model name
	Uptime       float64             `json:"uptime"`        // 0-1
	Ports        []int               `json:"ports"`         // externally reachable ports, in catalog order
	Location     string              `json:"location,omitempty"`
}

// HasGPUModel reports whether the offering prices exactly this GPU model
func (o *Offering) HasGPUModel(model string) bool {
	_, ok := o.GPUPrices[model]
	return ok
}

// Matches reports whether the offering satisfies the locally enforced part of req
func (o *Offering) Matches(req ResourceRequirement) bool {
	return o.HasGPUModel(req.GPUModel) && o.Uptime >= req.MinUptime
}

// Cost returns the hourly cost of running req on this offering.
// The GPU model must be present; callers filter with Matches first.
func (o *Offering) Cost(req ResourceRequirement) float64 {
	cpu := o.CPUPrice * float64(req.CPUs)
	ram := o.RAMPrice * float64(req.RAMGiB)
	storage := o.StoragePrice * float64(req.StorageGiB)
	gpu := o.GPUPrices[req.GPUModel].Price * float64(req.GPUCount)
	return cpu + ram + storage + gpu
}

// SelectedOffer is the cheapest matching offering reduced to what deploy needs.
// Port is always one of the source offering's Ports.
type SelectedOffer struct {
	NodeID string  `json:"node_id"`
	Port   int     `json:"port"`
	Cost   float64 `json:"cost"`
}

// Balance is the account balance reported by the marketplace
type Balance struct {
	Balance    float64 `json:"balance"`
	HourlyCost float64 `json:"hourly_cost"`
}

// Runtime returns how many hours the balance covers at the current hourly cost.
// Returns 0 when nothing is running.
func (b *Balance) Runtime() float64 {
	if b.HourlyCost <= 0 {
		return 0
	}
	return b.Balance / b.HourlyCost
}
