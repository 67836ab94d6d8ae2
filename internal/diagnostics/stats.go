package diagnostics

import (
	"math"
	"time"
)

// ring holds the newest integer observations in arrival order.
type ring struct {
	vals []int64
	next int
	full bool
}

func newRing(depth int) ring {
	return ring{vals: make([]int64, depth)}
}

func (r *ring) add(v int64) {
	r.vals[r.next] = v
	r.next = (r.next + 1) % len(r.vals)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.vals)
	}
	return r.next
}

func (r *ring) reset() {
	for i := range r.vals {
		r.vals[i] = 0
	}
	r.next = 0
	r.full = false
}

func (r *ring) oldestFirst() []int64 {
	if !r.full {
		return append([]int64(nil), r.vals[:r.next]...)
	}
	out := append([]int64(nil), r.vals[r.next:]...)
	return append(out, r.vals[:r.next]...)
}

// spread returns the mean and population standard deviation. Sums stay in
// integers so whole-dBm inputs give exact results.
func (r *ring) spread() (mean, stddev float64) {
	n := r.len()
	if n == 0 {
		return 0, 0
	}
	var sum, squares int64
	for _, v := range r.vals[:n] {
		sum += v
		squares += v * v
	}
	mean = float64(sum) / float64(n)
	variance := float64(squares)/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance)
}

// rateHz treats the values as unix nanoseconds and returns the arrival rate
// across their span. Fewer than three arrivals give no rate.
func (r *ring) rateHz() float64 {
	if r.len() < 3 {
		return 0
	}
	ts := r.oldestFirst()
	span := time.Duration(ts[len(ts)-1] - ts[0]).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(len(ts)-1) / span
}

func hundredths(v float64) float64 {
	return math.Round(v*100) / 100
}
