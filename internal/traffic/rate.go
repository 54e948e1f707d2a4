package traffic

import (
	"math"
	"time"
)

const (
	// BitsPerMegabit is the divisor used for the Mbps figures shown to users.
	BitsPerMegabit = 1024 * 1024

	// DefaultRateCeiling is the highest plausible reading; anything above it
	// is treated as a computation error.
	DefaultRateCeiling = 10_000 * BitsPerMegabit

	// DefaultRateWindow is the number of readings averaged by RateWindow.
	DefaultRateWindow = 10

	// maxDeltaInterval bounds the elapsed time accepted by DeltaRate.
	maxDeltaInterval = 10 * time.Second
)

// InstantaneousRate returns the total throughput between two snapshots in
// bits per second. A non-positive time delta or a counter that moved
// backwards (after a reset) yields 0.
func InstantaneousRate(latest, previous HistorySnapshot) float64 {
	dt := latest.Timestamp.Sub(previous.Timestamp)
	if dt <= 0 || latest.TotalBits < previous.TotalBits {
		return 0
	}
	return float64(latest.TotalBits-previous.TotalBits) / dt.Seconds()
}

// CheckRate passes rate through when it is finite, non-negative and at most
// ceiling. Anything else yields 0 and ok false.
func CheckRate(rate, ceiling float64) (float64, bool) {
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate < 0 || rate > ceiling {
		return 0, false
	}
	return rate, true
}

// DeltaRate computes a rate in bits per second from two counter readings
// taken elapsed apart. ok is false when elapsed is non-positive or longer
// than ten seconds.
func DeltaRate(prevBits, curBits float64, elapsed time.Duration) (rate float64, ok bool) {
	if elapsed <= 0 || elapsed >= maxDeltaInterval {
		return 0, false
	}
	delta := curBits - prevBits
	if delta < 0 {
		delta = 0
	}
	return delta / elapsed.Seconds(), true
}

// RateWindow smooths rate readings over a fixed number of samples and
// tracks how many consecutive readings were zero or invalid.
type RateWindow struct {
	size      int
	ceiling   float64
	samples   []float64
	errStreak int
	lastValid float64
}

// NewRateWindow creates a window of size samples. Readings above ceiling
// are rejected; a non-positive ceiling selects DefaultRateCeiling.
func NewRateWindow(size int, ceiling float64) *RateWindow {
	if size <= 0 {
		size = DefaultRateWindow
	}
	if ceiling <= 0 {
		ceiling = DefaultRateCeiling
	}
	return &RateWindow{
		size:    size,
		ceiling: ceiling,
		samples: make([]float64, 0, size),
	}
}

// Add records a reading and returns the mean of the window. Invalid
// readings are stored as 0 and extend the error streak.
func (w *RateWindow) Add(rate float64) float64 {
	rate, _ = CheckRate(rate, w.ceiling)
	if rate > 0 {
		w.errStreak = 0
		w.lastValid = rate
	} else {
		w.errStreak++
	}

	if len(w.samples) == w.size {
		copy(w.samples, w.samples[1:])
		w.samples = w.samples[:w.size-1]
	}
	w.samples = append(w.samples, rate)
	return w.Mean()
}

// Fail records a reading that could not be taken at all.
func (w *RateWindow) Fail() {
	w.errStreak++
}

// Mean returns the arithmetic mean of the window, 0 when empty.
func (w *RateWindow) Mean() float64 {
	if len(w.samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range w.samples {
		sum += v
	}
	return sum / float64(len(w.samples))
}

// ErrorStreak returns the number of consecutive zero or invalid readings.
func (w *RateWindow) ErrorStreak() int { return w.errStreak }

// LastValid returns the last non-zero reading.
func (w *RateWindow) LastValid() float64 { return w.lastValid }

// Len returns the number of readings in the window.
func (w *RateWindow) Len() int { return len(w.samples) }
