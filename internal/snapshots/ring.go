// Package snapshots provides per-instrument rolling minute-aligned
// quote rings used by the alert detector to answer "price K minutes
// ago" questions for K in {1, 5, 10, 30}.
package snapshots

import (
	"time"

	"github.com/karthikm/nsewatch/internal/domain"
)

// Point is one minute-aligned observation of an instrument
type Point struct {
	Timestamp time.Time
	Price     float64
	Volume    int64 // Cumulative session volume
	OI        int64
}

// Capacity covers the longest lookback (30 minutes) plus one safety bucket.
const Capacity = 31

// LookupTolerance is the allowed distance between the requested lookback
// instant and the closest stored point.
const LookupTolerance = time.Minute

// Ring is a fixed-size circular buffer of minute-aligned points for one
// instrument. It is owned by a single monitor task and is not
// synchronized: task-local by design.
type Ring struct {
	data []Point
	head int // index of the next write
	size int
}

// NewRing creates an empty ring
func NewRing() *Ring {
	return &Ring{data: make([]Point, Capacity)}
}

// Append adds a point for tick T. If the latest entry already has a
// timestamp at or after T the call is a no-op, making per-tick appends
// idempotent across monitor overlap.
func (r *Ring) Append(p Point) bool {
	if last, ok := r.Latest(); ok && !last.Timestamp.Before(p.Timestamp) {
		return false
	}

	r.data[r.head] = p
	r.head = (r.head + 1) % Capacity
	if r.size < Capacity {
		r.size++
	}
	return true
}

// Latest returns the most recent point
func (r *Ring) Latest() (Point, bool) {
	if r.size == 0 {
		return Point{}, false
	}
	idx := (r.head - 1 + Capacity) % Capacity
	return r.data[idx], true
}

// Size returns the number of stored points
func (r *Ring) Size() int {
	return r.size
}

// Clear empties the ring. Called on calendar-day transition.
func (r *Ring) Clear() {
	r.head = 0
	r.size = 0
}

// At returns the point whose timestamp is closest to (latest - lookback),
// within the lookup tolerance. The second return is false when no stored
// point is close enough - e.g. lookbacks longer than the elapsed session.
func (r *Ring) At(lookback time.Duration) (Point, bool) {
	latest, ok := r.Latest()
	if !ok {
		return Point{}, false
	}
	target := latest.Timestamp.Add(-lookback)

	var best Point
	bestDist := LookupTolerance + 1
	for i := 0; i < r.size; i++ {
		idx := (r.head - 1 - i + 2*Capacity) % Capacity
		p := r.data[idx]

		dist := p.Timestamp.Sub(target)
		if dist < 0 {
			dist = -dist
		}
		if dist < bestDist {
			best = p
			bestDist = dist
		}
	}

	if bestDist > LookupTolerance {
		return Point{}, false
	}
	return best, true
}

// PriceAt returns the price closest to the lookback instant
func (r *Ring) PriceAt(lookback time.Duration) (float64, bool) {
	p, ok := r.At(lookback)
	return p.Price, ok
}

// VolumeAt returns the cumulative volume closest to the lookback instant
func (r *Ring) VolumeAt(lookback time.Duration) (int64, bool) {
	p, ok := r.At(lookback)
	return p.Volume, ok
}

// Store holds one ring per instrument for a monitor task.
// Task-local: not synchronized.
type Store struct {
	rings map[string]*Ring
}

// NewStore creates an empty snapshot store
func NewStore() *Store {
	return &Store{rings: make(map[string]*Ring)}
}

// Ring returns (creating if needed) the ring for a symbol
func (s *Store) Ring(symbol string) *Ring {
	r, ok := s.rings[symbol]
	if !ok {
		r = NewRing()
		s.rings[symbol] = r
	}
	return r
}

// Append records a cached quote against its collection minute
func (s *Store) Append(symbol string, q domain.Quote, cachedAt time.Time) bool {
	return s.Ring(symbol).Append(Point{
		Timestamp: cachedAt,
		Price:     q.LastPrice,
		Volume:    q.VolumeToday,
		OI:        q.OpenInterest,
	})
}

// Reset clears every ring. Called on calendar-day transition, before the
// first tick of the new day is processed.
func (s *Store) Reset() {
	s.rings = make(map[string]*Ring)
}
