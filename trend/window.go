// Package trend compares average flow across time windows for the
// dashboard's trend indicators.
package trend

import (
	"math"
	"time"

	"water_monitor/models"
)

// Day is the length of one comparison window
const Day = 24 * time.Hour

// Mode selects how the comparison windows are built
type Mode string

const (
	ModeRolling  Mode = "rolling24h"
	ModeCalendar Mode = "calendar"
)

// RollingResult compares the last 24h against the 24h before it. Averages
// are nil when a window has no samples.
type RollingResult struct {
	Average         *float64 `json:"average"`
	Samples         int      `json:"samples"`
	PreviousAverage *float64 `json:"previousAverage"`
	PreviousSamples int      `json:"previousSamples"`
}

// CalendarResult is the average over the previous calendar day
type CalendarResult struct {
	Average *float64  `json:"average"`
	Samples int       `json:"samples"`
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
}

type window struct {
	from, to time.Time
	sum      float64
	n        int
}

// add counts the entry when it falls in [from, to)
func (w *window) add(e models.HistoryEntry) {
	if e.ObservedAt.Before(w.from) || !e.ObservedAt.Before(w.to) {
		return
	}
	w.sum += e.FlowRate
	w.n++
}

func (w *window) average() *float64 {
	if w.n == 0 {
		return nil
	}
	avg := w.sum / float64(w.n)
	return &avg
}

// each visits the history of one sensor, or of all sensors when sensorID is empty
func each(history map[string][]models.HistoryEntry, sensorID string, fn func(models.HistoryEntry)) {
	if sensorID != "" {
		for _, e := range history[sensorID] {
			fn(e)
		}
		return
	}
	for _, h := range history {
		for _, e := range h {
			fn(e)
		}
	}
}

// RollingAverage averages flow in [now-24h, now) and [now-48h, now-24h)
func RollingAverage(history map[string][]models.HistoryEntry, sensorID string, now time.Time) RollingResult {
	current := window{from: now.Add(-Day), to: now}
	previous := window{from: now.Add(-2 * Day), to: now.Add(-Day)}

	each(history, sensorID, func(e models.HistoryEntry) {
		current.add(e)
		previous.add(e)
	})

	return RollingResult{
		Average:         current.average(),
		Samples:         current.n,
		PreviousAverage: previous.average(),
		PreviousSamples: previous.n,
	}
}

// CalendarYesterdayAverage averages flow from the local start of the day
// before today to 24h later, in today's location
func CalendarYesterdayAverage(history map[string][]models.HistoryEntry, sensorID string, today time.Time) CalendarResult {
	y, m, d := today.Date()
	from := time.Date(y, m, d-1, 0, 0, 0, 0, today.Location())
	yesterday := window{from: from, to: from.Add(Day)}

	each(history, sensorID, yesterday.add)

	return CalendarResult{
		Average: yesterday.average(),
		Samples: yesterday.n,
		From:    yesterday.from,
		To:      yesterday.to,
	}
}

// PercentChange returns (current-previous)/|previous|*100. ok is false when
// there is nothing to compare against.
func PercentChange(current, previous *float64) (change float64, ok bool) {
	if current == nil || previous == nil || *previous == 0 {
		return 0, false
	}
	return (*current - *previous) / math.Abs(*previous) * 100, true
}
