package mqtt

import (
	"sync"
	"testing"
	"time"

	"github.com/nugget/mirage/internal/capture"
)

func TestDailyCounter_Observe(t *testing.T) {
	dc := NewDailyCounter(time.UTC)
	dc.Observe(capture.Interaction{InputTokens: 100, OutputTokens: 200})
	dc.Observe(capture.Interaction{InputTokens: 50, OutputTokens: 75})
	dc.Observe(capture.Interaction{Stub: true})

	got := dc.Snapshot()
	want := Counts{Interactions: 3, Stubs: 1, InputTokens: 150, OutputTokens: 275}
	if got != want {
		t.Errorf("Snapshot() = %+v, want %+v", got, want)
	}
	if got.Tokens() != 425 {
		t.Errorf("Tokens() = %d, want 425", got.Tokens())
	}
}

func TestDailyCounter_ZeroInitially(t *testing.T) {
	if got := NewDailyCounter(nil).Snapshot(); got != (Counts{}) {
		t.Errorf("got %+v, want zero", got)
	}
}

func TestDailyCounter_Concurrent(t *testing.T) {
	dc := NewDailyCounter(time.UTC)
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dc.Observe(capture.Interaction{InputTokens: 10, OutputTokens: 20})
		}()
	}
	wg.Wait()

	got := dc.Snapshot()
	if got.Interactions != 100 || got.InputTokens != 1000 || got.OutputTokens != 2000 {
		t.Errorf("got %+v", got)
	}
}

func TestDailyCounter_MidnightReset(t *testing.T) {
	now := time.Date(2026, 12, 31, 23, 59, 0, 0, time.UTC)
	dc := NewDailyCounter(time.UTC)
	dc.now = func() time.Time { return now }
	dc.day = dc.today()

	dc.Observe(capture.Interaction{InputTokens: 5})

	// Crossing the year boundary resets even though YearDay shrinks.
	now = now.Add(2 * time.Minute)
	if got := dc.Snapshot(); got != (Counts{}) {
		t.Errorf("after midnight = %+v, want zero", got)
	}
}
