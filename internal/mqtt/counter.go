package mqtt

import (
	"sync"
	"time"
)

// DailyCounter tracks generation activity that resets at local
// midnight. It is safe for concurrent use.
type DailyCounter struct {
	mu          sync.Mutex
	generations int64
	streamed    int64
	outputChars int64
	last        time.Time
	resetDay    int // day-of-year of last reset
	loc         *time.Location
	now         func() time.Time
}

// DailySnapshot is a point-in-time copy of the counters.
type DailySnapshot struct {
	Generations int64
	Streamed    int64
	OutputChars int64
	Last        time.Time // zero when nothing ran since start
}

// NewDailyCounter creates a counter using loc for midnight detection.
// If loc is nil, [time.Local] is used.
func NewDailyCounter(loc *time.Location) *DailyCounter {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyCounter{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// Record counts one finished generation.
func (d *DailyCounter) Record(outputChars int, streamed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.generations++
	d.outputChars += int64(outputChars)
	if streamed {
		d.streamed++
	}
	d.last = d.now()
}

// Snapshot returns the current totals after checking for midnight
// rollover. Last survives the rollover.
func (d *DailyCounter) Snapshot() DailySnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return DailySnapshot{
		Generations: d.generations,
		Streamed:    d.streamed,
		OutputChars: d.outputChars,
		Last:        d.last,
	}
}

// maybeReset zeroes the counters if the local day-of-year has changed.
// Must be called with d.mu held.
func (d *DailyCounter) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.generations = 0
		d.streamed = 0
		d.outputChars = 0
		d.resetDay = today
	}
}
