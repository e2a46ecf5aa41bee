package recovery

import (
	"sync"
	"time"
)

// Level is a coarse network quality grade.
type Level int

const (
	LevelUnknown Level = iota
	LevelPoor
	LevelFair
	LevelGood
)

func (l Level) String() string {
	switch l {
	case LevelPoor:
		return "poor"
	case LevelFair:
		return "fair"
	case LevelGood:
		return "good"
	default:
		return "unknown"
	}
}

// QualityConfig tunes how samples are graded.
type QualityConfig struct {
	// Window is the number of most recent samples considered.
	Window int
	// MinSamples is required before the quality is graded at all.
	MinSamples      int
	PoorFailureRate float64
	GoodFailureRate float64
	SlowRTT         time.Duration
	FastRTT         time.Duration
}

// DefaultQualityConfig returns the default grading thresholds.
func DefaultQualityConfig() QualityConfig {
	return QualityConfig{
		Window:          20,
		MinSamples:      4,
		PoorFailureRate: 0.3,
		GoodFailureRate: 0.05,
		SlowRTT:         20 * time.Second,
		FastRTT:         2 * time.Second,
	}
}

// Assessment summarizes the rolling sample window.
type Assessment struct {
	Samples     int
	FailureRate float64
	AverageRTT  time.Duration
	Level       Level
}

type sample struct {
	success bool
	rtt     time.Duration
}

// Quality keeps a rolling window of chunk upload outcomes and derives
// backoff and concurrency adjustments from it.
type Quality struct {
	mu      sync.Mutex
	config  QualityConfig
	samples []sample
	next    int
	count   int
}

// NewQuality creates a monitor with the given configuration.
func NewQuality(config QualityConfig) *Quality {
	if config.Window <= 0 {
		config.Window = DefaultQualityConfig().Window
	}
	return &Quality{
		config:  config,
		samples: make([]sample, config.Window),
	}
}

// Record adds an upload outcome to the window.
func (q *Quality) Record(success bool, rtt time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.samples[q.next] = sample{success: success, rtt: rtt}
	q.next = (q.next + 1) % len(q.samples)
	if q.count < len(q.samples) {
		q.count++
	}
}

// Assess grades the current window.
func (q *Quality) Assess() Assessment {
	q.mu.Lock()
	defer q.mu.Unlock()

	a := Assessment{Samples: q.count}
	if q.count == 0 {
		return a
	}

	var failures int
	var rttSum time.Duration
	for i := 0; i < q.count; i++ {
		s := q.samples[i]
		if !s.success {
			failures++
		}
		rttSum += s.rtt
	}
	a.FailureRate = float64(failures) / float64(q.count)
	a.AverageRTT = rttSum / time.Duration(q.count)

	switch {
	case q.count < q.config.MinSamples:
		a.Level = LevelUnknown
	case a.FailureRate >= q.config.PoorFailureRate || (q.config.SlowRTT > 0 && a.AverageRTT >= q.config.SlowRTT):
		a.Level = LevelPoor
	case a.FailureRate <= q.config.GoodFailureRate && (q.config.FastRTT == 0 || a.AverageRTT <= q.config.FastRTT):
		a.Level = LevelGood
	default:
		a.Level = LevelFair
	}
	return a
}

// Adapt derives a backoff policy from base for the current quality. The
// result depends only on base and the window, never on earlier adaptations,
// and is clamped to limits.
func (q *Quality) Adapt(base BackoffPolicy, limits Limits) BackoffPolicy {
	p := base
	switch q.Assess().Level {
	case LevelPoor:
		p.InitialDelay *= 2
		p.MaxDelay *= 2
		p.MaxRetries += 2
	case LevelGood:
		p.InitialDelay /= 2
	}

	if p.InitialDelay < base.InitialDelay && p.InitialDelay < limits.MinInitialDelay {
		p.InitialDelay = min(base.InitialDelay, limits.MinInitialDelay)
	}
	if limits.MaxDelay > 0 && p.MaxDelay > limits.MaxDelay {
		p.MaxDelay = limits.MaxDelay
	}
	if p.InitialDelay > p.MaxDelay {
		p.InitialDelay = p.MaxDelay
	}
	if limits.MaxRetries > 0 && p.MaxRetries > limits.MaxRetries {
		p.MaxRetries = limits.MaxRetries
	}
	return p
}

// Concurrency recommends the next concurrency level: one step down under
// poor quality, one step up under good quality, always within [min, max].
func (q *Quality) Concurrency(current, min, max int) int {
	next := current
	switch q.Assess().Level {
	case LevelPoor:
		next--
	case LevelGood:
		next++
	}
	if next < min {
		next = min
	}
	if next > max {
		next = max
	}
	return next
}
