// Package history keeps the short rolling window of chart points that lets a
// viewer backfill its history view without waiting for new ticks.
package history

import (
	"sync"

	"github.com/metorial/aegis/internal/models"
)

// DefaultCapacity is the number of points retained when no capacity is given.
const DefaultCapacity = 60

// Ring is a fixed-capacity FIFO of history points. The sampler is the only
// writer; readers get copies.
type Ring struct {
	mu    sync.RWMutex
	data  []models.HistoryPoint
	head  int
	count int
}

// NewRing creates a ring holding at most capacity points.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{data: make([]models.HistoryPoint, capacity)}
}

// Append adds a point, evicting the oldest one when the ring is full.
func (r *Ring) Append(point models.HistoryPoint) {
	r.mu.Lock()
	r.data[r.head] = point
	r.head = (r.head + 1) % len(r.data)
	if r.count < len(r.data) {
		r.count++
	}
	r.mu.Unlock()
}

// Publish derives the history point from a snapshot and appends it.
func (r *Ring) Publish(snap *models.Snapshot) {
	if snap == nil {
		return
	}
	r.Append(snap.Point())
}

// Replay returns the most recent limit points, oldest first. A limit of zero
// or less returns everything retained.
func (r *Ring) Replay(limit int) []models.HistoryPoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > r.count {
		limit = r.count
	}

	result := make([]models.HistoryPoint, limit)

	// head is the next write position, so the newest point sits at head-1.
	start := (r.head - limit + len(r.data)) % len(r.data)
	for i := 0; i < limit; i++ {
		result[i] = r.data[(start+i)%len(r.data)]
	}
	return result
}

// Len returns the number of points currently held.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return len(r.data)
}
