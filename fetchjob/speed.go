package fetchjob

import (
	"time"

	"github.com/montanaflynn/stats"
)

// speedSamples bounds how many per-second rate samples feed the trailing
// median, so a stall early in a long download doesn't linger in the
// reported speed forever.
const speedSamples = 5

// speedTracker turns a stream of Read() calls into a smoothed bytes/second
// figure, sampled at roughly 1 Hz. Raw instantaneous rates are jittery under
// bursty TCP reads, so the reported speed is the trailing median of the last
// few per-second samples rather than the latest one.
type speedTracker struct {
	samples   []float64
	lastTick  time.Time
	lastBytes uint64
	speed     float64
}

func newSpeedTracker() *speedTracker {
	return &speedTracker{lastTick: time.Now()}
}

// sample folds the current total bytes loaded into the tracker, at most
// once per second, and returns the most recently computed smoothed speed.
func (s *speedTracker) sample(loaded uint64) float64 {
	now := time.Now()
	elapsed := now.Sub(s.lastTick)
	if elapsed < time.Second {
		return s.speed
	}

	delta := loaded - s.lastBytes
	rate := float64(delta) / elapsed.Seconds()
	s.samples = append(s.samples, rate)
	if len(s.samples) > speedSamples {
		s.samples = s.samples[len(s.samples)-speedSamples:]
	}
	s.lastTick = now
	s.lastBytes = loaded

	if median, err := stats.Median(s.samples); err == nil {
		s.speed = median
	}
	return s.speed
}
