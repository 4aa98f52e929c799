package marksweep

import (
	"slices"
	"sync"
	"time"
)

// maxPauses is the number of pauses GCStats remembers.
const maxPauses = 256

// GCStats collect information about recent collections.
type GCStats struct {
	LastGC         time.Time       // time of last collection
	NumGC          int64           // number of collections
	PauseTotal     time.Duration   // total pause for all collections
	Pause          []time.Duration // pause history, most recent first
	PauseEnd       []time.Time     // pause end times history, most recent first
	PauseQuantiles []time.Duration // minimum, 25%, 50%, 75% and maximum pause

	LiveBytesTotal    uint64 // live bytes summed over all collections
	MovedTotal        int64  // objects moved over all collections
	ReferencesCleared int64
	PreservedOverflow int64
}

// gcStats is the collector's running GCStats.
type gcStats struct {
	lock sync.Mutex
	s    GCStats
}

func (g *gcStats) record(r *Result, end time.Time) {
	g.lock.Lock()
	defer g.lock.Unlock()
	s := &g.s
	s.LastGC = end
	s.NumGC++
	s.PauseTotal += r.Pause
	s.Pause = append([]time.Duration{r.Pause}, s.Pause...)
	s.PauseEnd = append([]time.Time{end}, s.PauseEnd...)
	if len(s.Pause) > maxPauses {
		s.Pause = s.Pause[:maxPauses]
		s.PauseEnd = s.PauseEnd[:maxPauses]
	}
	s.LiveBytesTotal += uint64(r.LiveBytes)
	s.MovedTotal += int64(r.Moved)
	s.ReferencesCleared += int64(r.References.Cleared())
	s.PreservedOverflow += int64(r.PreservedOverflow)
}

func (g *gcStats) copyTo(stats *GCStats) {
	g.lock.Lock()
	defer g.lock.Unlock()
	*stats = g.s
	stats.Pause = slices.Clone(g.s.Pause)
	stats.PauseEnd = slices.Clone(g.s.PauseEnd)
	stats.PauseQuantiles = quantiles(g.s.Pause)
}

// quantiles returns the minimum, 25%, 50%, 75% and maximum of pauses.
func quantiles(pauses []time.Duration) []time.Duration {
	if len(pauses) == 0 {
		return nil
	}
	sorted := slices.Clone(pauses)
	slices.Sort(sorted)
	q := make([]time.Duration, 5)
	for i := range q {
		q[i] = sorted[i*(len(sorted)-1)/4]
	}
	return q
}
