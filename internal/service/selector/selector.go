// Package selector picks the cheapest marketplace offering for a requirement.
package selector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/almond-mart/almond-trainer/pkg/models"
)

// ErrNoMatch is wrapped by NoMatchError
var ErrNoMatch = errors.New("no matching offering")

// NoMatchError is returned when no offering satisfies the requirement
type NoMatchError struct {
	GPUModel   string
	MinUptime  float64
	Candidates int
	Suppressed int
}

func (e *NoMatchError) Error() string {
	msg := fmt.Sprintf("no matching servers found: %d offerings checked for %s with uptime >= %.3f",
		e.Candidates, e.GPUModel, e.MinUptime)
	if e.Suppressed > 0 {
		msg += fmt.Sprintf(" (%d skipped after recent failures)", e.Suppressed)
	}
	return msg
}

func (e *NoMatchError) Unwrap() error {
	return ErrNoMatch
}

// Catalog lists marketplace offerings
type Catalog interface {
	ListOfferings(ctx context.Context, req models.ResourceRequirement) ([]models.Offering, error)
}

// NodeHealth reports nodes the selector should skip
type NodeHealth interface {
	IsSuppressed(nodeID string) bool
}

// Ranked is a matching offering with its computed cost
type Ranked struct {
	Offering models.Offering `json:"offering"`
	Cost     float64         `json:"cost"`
}

// Rank filters offerings that match req and orders them by cost, cheapest first.
// The sort is stable so equal costs keep catalog order. Offerings without a
// reachable port are skipped since they cannot be deployed to.
func Rank(req models.ResourceRequirement, offerings []models.Offering) []Ranked {
	ranked := make([]Ranked, 0, len(offerings))
	for _, o := range offerings {
		if !o.Matches(req) || len(o.Ports) == 0 {
			continue
		}
		ranked = append(ranked, Ranked{Offering: o, Cost: o.Cost(req)})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Cost < ranked[j].Cost
	})
	return ranked
}

// SelectCheapest returns the cheapest offering matching req, deployed on its first port
func SelectCheapest(req models.ResourceRequirement, offerings []models.Offering) (models.SelectedOffer, error) {
	ranked := Rank(req, offerings)
	if len(ranked) == 0 {
		return models.SelectedOffer{}, &NoMatchError{
			GPUModel:   req.GPUModel,
			MinUptime:  req.MinUptime,
			Candidates: len(offerings),
		}
	}

	best := ranked[0]
	return models.SelectedOffer{
		NodeID: best.Offering.NodeID,
		Port:   best.Offering.Ports[0],
		Cost:   best.Cost,
	}, nil
}

// Selector queries the catalog and picks the cheapest match
type Selector struct {
	catalog Catalog
	health  NodeHealth
	logger  *slog.Logger
}

// Option configures the selector
type Option func(*Selector)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Selector) {
		s.logger = logger
	}
}

// WithNodeHealth skips offerings on nodes that health reports as suppressed
func WithNodeHealth(health NodeHealth) Option {
	return func(s *Selector) {
		s.health = health
	}
}

// New creates a selector backed by catalog
func New(catalog Catalog, opts ...Option) *Selector {
	s := &Selector{
		catalog: catalog,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select fetches fresh offerings and returns the cheapest match
func (s *Selector) Select(ctx context.Context, req models.ResourceRequirement) (models.SelectedOffer, error) {
	offerings, err := s.catalog.ListOfferings(ctx, req)
	if err != nil {
		return models.SelectedOffer{}, fmt.Errorf("failed to list offerings: %w", err)
	}

	eligible, suppressed := s.filterSuppressed(offerings)
	selected, err := SelectCheapest(req, eligible)
	if err != nil {
		var noMatch *NoMatchError
		if errors.As(err, &noMatch) {
			noMatch.Candidates = len(offerings)
			noMatch.Suppressed = suppressed
		}
		return models.SelectedOffer{}, err
	}

	s.logger.Info("selected offering",
		slog.String("node_id", selected.NodeID),
		slog.Int("port", selected.Port),
		slog.Float64("hourly_cost", selected.Cost),
		slog.Int("candidates", len(offerings)),
		slog.Int("suppressed", suppressed))

	return selected, nil
}

// Rank fetches fresh offerings and returns every match ordered by cost
func (s *Selector) Rank(ctx context.Context, req models.ResourceRequirement) ([]Ranked, error) {
	offerings, err := s.catalog.ListOfferings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to list offerings: %w", err)
	}
	eligible, _ := s.filterSuppressed(offerings)
	return Rank(req, eligible), nil
}

// filterSuppressed drops offerings on suppressed nodes and reports how many were dropped
func (s *Selector) filterSuppressed(offerings []models.Offering) ([]models.Offering, int) {
	if s.health == nil {
		return offerings, 0
	}
	kept := make([]models.Offering, 0, len(offerings))
	for _, o := range offerings {
		if s.health.IsSuppressed(o.NodeID) {
			s.logger.Debug("skipping suppressed node", slog.String("node_id", o.NodeID))
			continue
		}
		kept = append(kept, o)
	}
	return kept, len(offerings) - len(kept)
}
