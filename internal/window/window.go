// Package window splits date ranges into request-sized windows.
//
// The exchange silently truncates history requests wider than one year, so
// every fetch must cover at most DefaultMaxSpanDays+1 calendar days.
package window

import (
	"fmt"
	"iter"
	"time"
)

// DefaultMaxSpanDays is the widest offset between a window's first and last
// day accepted by the exchange.
const DefaultMaxSpanDays = 364

const day = 24 * time.Hour

// Window is an inclusive range of calendar days.
type Window struct {
	Start time.Time
	End   time.Time
}

// Days returns the number of calendar days the window covers.
func (w Window) Days() int {
	return int(w.End.Sub(w.Start)/day) + 1
}

func (w Window) String() string {
	return fmt.Sprintf("%s-%s", w.Start.Format("01/02/2006"), w.End.Format("01/02/2006"))
}

// Split returns the windows covering [start, end] inclusive. Each window
// starts the day after its predecessor ends and the last one ends exactly on
// end. The sequence is empty when start is not before end.
func Split(start, end time.Time, maxSpanDays int) iter.Seq[Window] {
	if maxSpanDays < 0 {
		maxSpanDays = 0
	}
	start, end = truncate(start), truncate(end)

	return func(yield func(Window) bool) {
		if !start.Before(end) {
			return
		}
		for cur := start; !cur.After(end); {
			last := cur.AddDate(0, 0, maxSpanDays)
			if last.After(end) {
				last = end
			}
			if !yield(Window{Start: cur, End: last}) {
				return
			}
			cur = last.AddDate(0, 0, 1)
		}
	}
}

// Collect materializes a window sequence.
func Collect(seq iter.Seq[Window]) []Window {
	var out []Window
	for w := range seq {
		out = append(out, w)
	}
	return out
}

func truncate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
