// Package stats computes the diagnostic summary of a slice of history
// entries: moments, threshold exceedance, a six-bin distribution and the
// anomaly set. Everything is a pure function of its input.
package stats

import (
	"math"
	"sort"
	"time"

	"water_monitor/models"
)

const (
	// Bins is the number of equal-width distribution bins
	Bins = 6

	// minBinWidth keeps a constant series from dividing by zero
	minBinWidth = 1e-9
)

// Bin is one distribution bucket over [RangeLow, RangeHigh)
type Bin struct {
	RangeLow  float64 `json:"rangeLow"`
	RangeHigh float64 `json:"rangeHigh"`
	Percent   float64 `json:"percent"`
	Count     int     `json:"count"`
}

// Anomaly is an entry flagged by the threshold or the mean+2σ rule
type Anomaly struct {
	SensorID  string    `json:"sensorId"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Peak is the highest flow in the slice (first occurrence wins)
type Peak struct {
	Value     float64   `json:"value"`
	SensorID  string    `json:"sensorId"`
	Timestamp time.Time `json:"timestamp"`
	TimeLabel string    `json:"timeLabel"`
}

// Summary is the statistical view of a set of entries at a given threshold
type Summary struct {
	Count                            int       `json:"count"`
	Threshold                        float64   `json:"threshold"`
	Mean                             float64   `json:"mean"`
	Min                              float64   `json:"min"`
	Max                              float64   `json:"max"`
	StdDev                           float64   `json:"stdDev"`
	ExceededCount                    int       `json:"exceededCount"`
	NormalCount                      int       `json:"normalCount"`
	PercentExceeded                  float64   `json:"percentExceeded"`
	PercentNormal                    float64   `json:"percentNormal"`
	EstimatedSamplingIntervalSeconds float64   `json:"estimatedSamplingIntervalSeconds"`
	TimeOutsideThresholdSeconds      float64   `json:"timeOutsideThresholdSeconds"`
	Distribution                     []Bin     `json:"distribution"`
	Anomalies                        []Anomaly `json:"anomalies"`
	Peak                             Peak      `json:"peak"`
}

// Summarize computes the summary over the flow rates of entries. It returns
// nil when entries is empty; callers treat that as insufficient data.
func Summarize(entries []models.HistoryEntry, threshold float64) *Summary {
	n := len(entries)
	if n == 0 {
		return nil
	}

	s := &Summary{
		Count:     n,
		Threshold: threshold,
		Min:       entries[0].FlowRate,
		Max:       entries[0].FlowRate,
		Peak:      peakOf(entries[0]),
	}

	// first pass: mean, extremes, exceedance
	var sum float64
	for _, e := range entries {
		v := e.FlowRate
		sum += v
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
			s.Peak = peakOf(e)
		}
		if v > threshold {
			s.ExceededCount++
		}
	}
	s.Mean = sum / float64(n)

	// second pass: population variance around the mean
	var sq float64
	for _, e := range entries {
		d := e.FlowRate - s.Mean
		sq += d * d
	}
	s.StdDev = math.Sqrt(sq / float64(n))

	s.NormalCount = n - s.ExceededCount
	s.PercentExceeded = float64(s.ExceededCount) * 100 / float64(n)
	s.PercentNormal = float64(s.NormalCount) * 100 / float64(n)

	s.EstimatedSamplingIntervalSeconds = SamplingInterval(entries).Seconds()
	s.TimeOutsideThresholdSeconds = float64(s.ExceededCount) * s.EstimatedSamplingIntervalSeconds

	s.Distribution = distribution(entries, s.Min, s.Max)
	s.Anomalies = anomalies(entries, threshold, s.Mean+2*s.StdDev)

	return s
}

func peakOf(e models.HistoryEntry) Peak {
	return Peak{
		Value:     e.FlowRate,
		SensorID:  e.SensorID,
		Timestamp: e.ObservedAt,
		TimeLabel: e.TimeLabel,
	}
}

// SamplingInterval estimates the spacing between observations as the median
// of consecutive differences of the sorted timestamps. It is a heuristic:
// sparse or bursty data skews it and no bounds are applied.
func SamplingInterval(entries []models.HistoryEntry) time.Duration {
	if len(entries) < 2 {
		return 0
	}

	ts := make([]time.Time, len(entries))
	for i, e := range entries {
		ts[i] = e.ObservedAt
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })

	diffs := make([]time.Duration, len(ts)-1)
	for i := 1; i < len(ts); i++ {
		diffs[i-1] = ts[i].Sub(ts[i-1])
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i] < diffs[j] })

	mid := len(diffs) / 2
	if len(diffs)%2 == 1 {
		return diffs[mid]
	}
	return (diffs[mid-1] + diffs[mid]) / 2
}

func distribution(entries []models.HistoryEntry, lo, hi float64) []Bin {
	width := (hi - lo) / Bins
	if width < minBinWidth {
		width = minBinWidth
	}

	bins := make([]Bin, Bins)
	for i := range bins {
		bins[i].RangeLow = lo + float64(i)*width
		bins[i].RangeHigh = lo + float64(i+1)*width
	}

	for _, e := range entries {
		idx := int((e.FlowRate - lo) / width)
		if idx >= Bins {
			idx = Bins - 1
		}
		if idx < 0 {
			idx = 0
		}
		bins[idx].Count++
	}

	total := float64(len(entries))
	for i := range bins {
		bins[i].Percent = float64(bins[i].Count) * 100 / total
	}
	return bins
}

func anomalies(entries []models.HistoryEntry, threshold, statLimit float64) []Anomaly {
	out := []Anomaly{}
	for _, e := range entries {
		if e.FlowRate > threshold || e.FlowRate > statLimit {
			out = append(out, Anomaly{
				SensorID:  e.SensorID,
				Timestamp: e.ObservedAt,
				Value:     e.FlowRate,
			})
		}
	}
	return out
}
