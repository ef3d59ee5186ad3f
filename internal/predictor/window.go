package predictor

import (
	"time"

	"traffic-congestion-monitor/internal/models"
)

const DefaultWindowSize = 30

// ring is a fixed-capacity FIFO that overwrites its oldest entry when full.
// Not safe for concurrent use.
type ring[T any] struct {
	buf  []T
	head int // next write position
	size int
}

func newRing[T any](capacity int) ring[T] {
	return ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// at returns the i-th oldest entry
func (r *ring[T]) at(i int) T {
	start := (r.head - r.size + len(r.buf)) % len(r.buf)
	return r.buf[(start+i)%len(r.buf)]
}

func (r *ring[T]) last() T {
	return r.at(r.size - 1)
}

func (r *ring[T]) values() []T {
	out := make([]T, r.size)
	for i := range out {
		out[i] = r.at(i)
	}
	return out
}

// Sample is one window entry
type Sample struct {
	Gas        int
	Count      int
	HeadwayMs  int
	ReceivedAt time.Time
}

// Window holds the most recent readings, one ring per metric.
type Window struct {
	gas      ring[int]
	count    ring[int]
	headway  ring[int]
	received ring[time.Time]
}

// NewWindow creates a window holding up to capacity samples
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	return &Window{
		gas:      newRing[int](capacity),
		count:    newRing[int](capacity),
		headway:  newRing[int](capacity),
		received: newRing[time.Time](capacity),
	}
}

// Add appends a reading, evicting the oldest sample once full
func (w *Window) Add(r models.Reading) {
	w.gas.push(r.Gas)
	w.count.push(r.Count)
	w.headway.push(r.HeadwayMs)
	w.received.push(r.ReceivedAt)
}

// Len is the number of samples held
func (w *Window) Len() int { return w.gas.size }

// Cap is the window size
func (w *Window) Cap() int { return len(w.gas.buf) }

// Samples returns the window contents, oldest first
func (w *Window) Samples() []Sample {
	out := make([]Sample, w.Len())
	for i := range out {
		out[i] = Sample{
			Gas:        w.gas.at(i),
			Count:      w.count.at(i),
			HeadwayMs:  w.headway.at(i),
			ReceivedAt: w.received.at(i),
		}
	}
	return out
}
