package playback

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Adaptive threshold defaults.
const (
	// DefaultMinThreshold and DefaultMaxThreshold bound the recomputed fill
	// threshold. The historical fixed range was 3 to 10 frames.
	DefaultMinThreshold = 3
	DefaultMaxThreshold = 10

	// DefaultWindowSize is the number of inter-arrival gaps retained.
	DefaultWindowSize = 50

	// DefaultRecomputeInterval is how often the threshold is recomputed.
	DefaultRecomputeInterval = 5 * time.Second

	// minSamples is the smallest window that produces a recomputation.
	minSamples = 8
)

// AdaptiveThreshold retunes a [JitterBuffer]'s fill threshold from a rolling
// window of frame inter-arrival gaps. High latency or high variance warrants
// a deeper buffer to avoid repeated underruns, at the cost of added
// end-to-end delay; steady arrival lets the threshold shrink back down.
//
// It layers on top of the buffer rather than living inside it: the inbound
// loop calls Observe per arriving frame, and Run recomputes periodically.
// The fixed-threshold buffer works unchanged without it.
type AdaptiveThreshold struct {
	buf           *JitterBuffer
	frameDuration time.Duration
	minThreshold  int
	maxThreshold  int
	windowSize    int
	interval      time.Duration

	mu      sync.Mutex
	lastArr time.Time
	gaps    []time.Duration
	next    int
	filled  bool
}

// AdaptiveConfig tunes an [AdaptiveThreshold]. Zero values select defaults.
type AdaptiveConfig struct {
	// Buffer is the jitter buffer whose threshold is managed. Required.
	Buffer *JitterBuffer

	// FrameDuration is the nominal playout time of one frame, used to
	// convert a buffered-duration target into a frame count.
	FrameDuration time.Duration

	// MinThreshold and MaxThreshold clamp the recomputed threshold.
	MinThreshold int
	MaxThreshold int

	// WindowSize is the number of inter-arrival gaps retained.
	WindowSize int

	// RecomputeInterval is how often Run recomputes the threshold.
	RecomputeInterval time.Duration
}

// NewAdaptiveThreshold creates the policy. The buffer keeps its current
// threshold until enough arrivals have been observed.
func NewAdaptiveThreshold(cfg AdaptiveConfig) *AdaptiveThreshold {
	frameDuration := cfg.FrameDuration
	if frameDuration <= 0 {
		frameDuration = 20 * time.Millisecond
	}
	minThreshold := cfg.MinThreshold
	if minThreshold <= 0 {
		minThreshold = DefaultMinThreshold
	}
	maxThreshold := cfg.MaxThreshold
	if maxThreshold < minThreshold {
		maxThreshold = max(DefaultMaxThreshold, minThreshold)
	}
	windowSize := cfg.WindowSize
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	interval := cfg.RecomputeInterval
	if interval <= 0 {
		interval = DefaultRecomputeInterval
	}
	return &AdaptiveThreshold{
		buf:           cfg.Buffer,
		frameDuration: frameDuration,
		minThreshold:  minThreshold,
		maxThreshold:  maxThreshold,
		windowSize:    windowSize,
		interval:      interval,
		gaps:          make([]time.Duration, windowSize),
	}
}

// Observe records one frame arrival at time now. Called by the inbound loop;
// cheap enough to sit on the receive path.
func (a *AdaptiveThreshold) Observe(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.lastArr.IsZero() {
		a.gaps[a.next] = now.Sub(a.lastArr)
		a.next++
		if a.next == a.windowSize {
			a.next = 0
			a.filled = true
		}
	}
	a.lastArr = now
}

// Run recomputes the threshold on the configured interval until ctx is
// cancelled.
func (a *AdaptiveThreshold) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Recompute()
		}
	}
}

// Recompute derives a fresh threshold from the rolling window and applies it
// to the buffer. With too few samples it leaves the threshold unchanged.
func (a *AdaptiveThreshold) Recompute() {
	mean, dev, n := a.window()
	if n < minSamples {
		return
	}

	// Buffer enough playout time to ride out a gap of mean plus twice the
	// observed deviation.
	want := mean + 2*dev
	threshold := int(math.Ceil(float64(want) / float64(a.frameDuration)))
	if threshold < a.minThreshold {
		threshold = a.minThreshold
	}
	if threshold > a.maxThreshold {
		threshold = a.maxThreshold
	}
	if threshold != a.buf.MinFill() {
		slog.Debug("playback: adjusting fill threshold",
			"threshold", threshold,
			"mean_gap", mean,
			"gap_deviation", dev)
		a.buf.SetMinFill(threshold)
	}
}

// window returns the mean gap, mean absolute deviation, and sample count.
func (a *AdaptiveThreshold) window() (mean, dev time.Duration, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n = a.next
	if a.filled {
		n = a.windowSize
	}
	if n == 0 {
		return 0, 0, 0
	}
	var sum time.Duration
	for _, g := range a.gaps[:n] {
		sum += g
	}
	mean = sum / time.Duration(n)
	var devSum time.Duration
	for _, g := range a.gaps[:n] {
		d := g - mean
		if d < 0 {
			d = -d
		}
		devSum += d
	}
	dev = devSum / time.Duration(n)
	return mean, dev, n
}
