// Package diagnostics keeps rolling link statistics for the debug views.
package diagnostics

import (
	"sync"
	"time"

	"github.com/ebarer/SmartLock/internal/link"
)

// DefaultDepth is how many recent observations each statistic covers.
const DefaultDepth = 32

// Report is a snapshot of the link statistics.
type Report struct {
	Identity string `json:"identity,omitempty"`
	OUI      string `json:"oui,omitempty"`
	Vendor   string `json:"vendor"`

	SignalMeanDBm   float64 `json:"signal_mean_dbm"`
	SignalStdDevDBm float64 `json:"signal_stddev_dbm"`
	SignalSamples   int     `json:"signal_samples"`

	LatencyMeanMs   float64 `json:"latency_mean_ms"`
	LatencyJitterMs float64 `json:"latency_jitter_ms"`
	Confirmations   int     `json:"confirmations"`

	NotifyHz      float64 `json:"notify_hz"`
	Notifications uint64  `json:"notifications"`
}

// Recorder accumulates observations. It is safe for concurrent use.
type Recorder struct {
	mu sync.Mutex

	signal        ring // dBm
	latencies     ring // microseconds
	notifications ring // unix nanoseconds
	notifyTotal   uint64
}

// NewRecorder keeps the last depth observations of each kind.
func NewRecorder(depth int) *Recorder {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Recorder{
		signal:        newRing(depth),
		latencies:     newRing(depth),
		notifications: newRing(depth),
	}
}

// RecordSample adds a signal strength reading.
func (r *Recorder) RecordSample(s link.SignalSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signal.add(int64(s.DBm))
}

// RecordConfirmation adds the time from command to accessory reply.
func (r *Recorder) RecordConfirmation(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latencies.add(d.Microseconds())
}

// RecordNotification notes an inbound payload received at.
func (r *Recorder) RecordNotification(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifyTotal++
	r.notifications.add(at.UnixNano())
}

// Reset drops every observation.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signal.reset()
	r.latencies.reset()
	r.notifications.reset()
	r.notifyTotal = 0
}

// Report summarizes the observations for the accessory at identity.
func (r *Recorder) Report(identity string) Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	sigMean, sigDev := r.signal.spread()
	latMean, latJitter := r.latencies.spread()
	rep := Report{
		Identity:        identity,
		Vendor:          unknownVendor,
		SignalMeanDBm:   hundredths(sigMean),
		SignalStdDevDBm: hundredths(sigDev),
		SignalSamples:   r.signal.len(),
		LatencyMeanMs:   hundredths(latMean / 1000),
		LatencyJitterMs: hundredths(latJitter / 1000),
		Confirmations:   r.latencies.len(),
		NotifyHz:        hundredths(r.notifications.rateHz()),
		Notifications:   r.notifyTotal,
	}
	if p, ok := oui(identity); ok {
		rep.OUI = formatOUI(p)
		rep.Vendor = vendorOf(p)
	}
	return rep
}
