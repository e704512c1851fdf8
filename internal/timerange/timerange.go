// Package timerange provides the windowed-count ranges shared by the
// collectors: counts of events falling in [now - N days, now).
package timerange

import "time"

// Count is a count of events inside one window.
type Count struct {
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
	Count int       `json:"count"`
}

// Window produces the [now - days, now) range with a zero count.
func Window(now time.Time, days int) Count {
	return Count{
		From: now.AddDate(0, 0, -days),
		To:   now,
	}
}

// Bucketize projects timestamped points into the given day windows,
// summing every point whose timestamp falls in [now - N days, now).
func Bucketize(now time.Time, days []int, points []Point) []Count {
	out := make([]Count, 0, len(days))

	for _, d := range days {
		window := Window(now, d)

		for _, p := range points {
			if !p.At.Before(window.From) && p.At.Before(window.To) {
				window.Count += p.Value
			}
		}

		out = append(out, window)
	}

	return out
}

// Point is one timestamped count.
type Point struct {
	At    time.Time
	Value int
}
