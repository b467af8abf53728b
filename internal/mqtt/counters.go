package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/mirage/internal/capture"
)

// Counts is a snapshot of one day's activity.
type Counts struct {
	Interactions int64 `json:"interactions"`
	Stubs        int64 `json:"stubs"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Tokens returns input plus output tokens.
func (c Counts) Tokens() int64 { return c.InputTokens + c.OutputTokens }

// DailyCounter tallies captured interactions and resets at local
// midnight. It is safe for concurrent use; [DailyCounter.Observe]
// matches the capture recorder's observer hook.
type DailyCounter struct {
	mu     sync.Mutex
	counts Counts
	day    int // year*1000 + day-of-year of the last reset
	loc    *time.Location
	now    func() time.Time
}

// NewDailyCounter creates a counter using loc for midnight detection.
// If loc is nil, [time.Local] is used.
func NewDailyCounter(loc *time.Location) *DailyCounter {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyCounter{loc: loc, now: time.Now}
	d.day = d.today()
	return d
}

// Observe records one interaction.
func (d *DailyCounter) Observe(i capture.Interaction) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.counts.Interactions++
	if i.Stub {
		d.counts.Stubs++
	}
	d.counts.InputTokens += int64(i.InputTokens)
	d.counts.OutputTokens += int64(i.OutputTokens)
}

// Snapshot returns today's totals after checking for midnight rollover.
func (d *DailyCounter) Snapshot() Counts {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.counts
}

func (d *DailyCounter) today() int {
	t := d.now().In(d.loc)
	return t.Year()*1000 + t.YearDay()
}

// maybeReset must be called with d.mu held.
func (d *DailyCounter) maybeReset() {
	if today := d.today(); today != d.day {
		d.counts = Counts{}
		d.day = today
	}
}
