package poll

import "time"

// ProgressiveBackoff implements an exponential backoff strategy with a maximum cap.
// A multiplier of 1 (or less) keeps the interval fixed.
type ProgressiveBackoff struct {
	Initial    time.Duration // Initial interval
	Max        time.Duration // Maximum interval cap
	Multiplier float64       // Multiplier for each step
	current    time.Duration // Current interval
}

// NewProgressiveBackoff creates a new progressive backoff
func NewProgressiveBackoff(initial, max time.Duration, multiplier float64) *ProgressiveBackoff {
	if max < initial {
		max = initial
	}
	return &ProgressiveBackoff{
		Initial:    initial,
		Max:        max,
		Multiplier: multiplier,
		current:    initial,
	}
}

// Next returns the current interval and advances to the next one
func (pb *ProgressiveBackoff) Next() time.Duration {
	current := pb.current

	if pb.Multiplier > 1 {
		next := time.Duration(float64(pb.current) * pb.Multiplier)
		if next > pb.Max {
			next = pb.Max
		}
		pb.current = next
	}

	return current
}

// Reset resets the backoff to the initial interval
func (pb *ProgressiveBackoff) Reset() {
	pb.current = pb.Initial
}

// Current returns the current interval without advancing
func (pb *ProgressiveBackoff) Current() time.Duration {
	return pb.current
}
