package aggswitch

import (
	"math/rand"
	"sync"
	"time"

	"github.com/unixpickle/switchagg/wire"
)

// An ExpiryPolicy decides when an incomplete Round should
// be closed with the contributors it has.
type ExpiryPolicy interface {
	Expired(r *Round, now time.Time) bool
}

// TimeoutExpiry expires rounds that have been open for
// longer than Timeout.
type TimeoutExpiry struct {
	Timeout time.Duration
}

// Expired checks the round's age against the timeout.
func (t TimeoutExpiry) Expired(r *Round, now time.Time) bool {
	return now.Sub(r.StartedAt) > t.Timeout
}

// NeverExpire waits for every contributor.
type NeverExpire struct{}

// Expired always returns false.
func (NeverExpire) Expired(r *Round, now time.Time) bool {
	return false
}

// A DropSimulationPolicy discards incoming chunks to
// emulate a lossy network.
type DropSimulationPolicy interface {
	Drop(h wire.Header) bool
}

// NoDrop keeps every chunk.
type NoDrop struct{}

// Drop always returns false.
func (NoDrop) Drop(h wire.Header) bool {
	return false
}

// RandomDrop discards each chunk independently with a
// fixed probability.
//
// It is safe to share a RandomDrop between listeners.
type RandomDrop struct {
	Probability float64

	lock sync.Mutex
	rand *rand.Rand
}

// NewRandomDrop creates a RandomDrop with its own seeded
// generator.
func NewRandomDrop(probability float64, seed int64) *RandomDrop {
	return &RandomDrop{
		Probability: probability,
		rand:        rand.New(rand.NewSource(seed)),
	}
}

// Drop samples the drop decision.
func (r *RandomDrop) Drop(h wire.Header) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.rand.Float64() < r.Probability
}
