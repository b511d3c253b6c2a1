// Package simulator produces synthetic water sensor data: flat history CSV
// files for the scan command and a live sender that posts readings to a
// running server.
package simulator

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"water_monitor/models"
	"water_monitor/report"
)

// Profile describes one generated sensor file
type Profile struct {
	SensorID string
	Filename string
	// BaseFlow is the mean flow in L/min around which the daily cycle swings
	BaseFlow float64
	Interval time.Duration
	// SpikeEvery inserts a burst every n samples; zero disables bursts
	SpikeEvery int
}

// DefaultProfiles mirrors the three sensors of the live simulator
var DefaultProfiles = []Profile{
	{SensorID: "1", Filename: "sensor_1_flow.csv", BaseFlow: 6, Interval: time.Minute, SpikeEvery: 240},
	{SensorID: "2", Filename: "sensor_2_flow.csv", BaseFlow: 3, Interval: time.Minute},
	{SensorID: "3", Filename: "sensor_3_flow.csv", BaseFlow: 9, Interval: 5 * time.Minute, SpikeEvery: 48},
}

// GeneratedFile reports one written file
type GeneratedFile struct {
	Path    string
	Records int
	Err     error
}

// Generate writes one flat CSV per profile into outputDir, covering the days
// before end. Files are written concurrently.
func Generate(outputDir string, profiles []Profile, days int, end time.Time, seed int64) ([]GeneratedFile, error) {
	if days <= 0 {
		return nil, fmt.Errorf("days must be positive, got %d", days)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	start := end.UTC().Add(-time.Duration(days) * 24 * time.Hour)
	results := make([]GeneratedFile, len(profiles))

	var wg sync.WaitGroup
	for i, p := range profiles {
		wg.Add(1)
		go func(i int, p Profile) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed + int64(i)))
			entries := Series(p, start, end.UTC(), rng)
			path := filepath.Join(outputDir, p.Filename)
			results[i] = GeneratedFile{Path: path, Records: len(entries), Err: writeFile(path, entries)}
		}(i, p)
	}
	wg.Wait()

	return results, nil
}

// Series builds the readings of one profile in [start, end)
func Series(p Profile, start, end time.Time, rng *rand.Rand) []models.HistoryEntry {
	interval := p.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	var out []models.HistoryEntry
	total := 0.0
	for i, ts := 0, start; ts.Before(end); i, ts = i+1, ts.Add(interval) {
		// Daily demand cycle: low at night, peak around midday
		hourAngle := (float64(ts.Hour()) + float64(ts.Minute())/60) * math.Pi / 12
		flow := p.BaseFlow * (1 + 0.6*math.Sin(hourAngle-math.Pi/2))
		flow += rng.Float64()*2 - 1

		if p.SpikeEvery > 0 && i%p.SpikeEvery == p.SpikeEvery-1 {
			flow += p.BaseFlow * (2 + rng.Float64())
		}
		flow = math.Max(0, math.Round(flow*1000)/1000)

		total += flow * interval.Minutes()
		out = append(out, models.HistoryEntry{
			Reading: models.Reading{
				SensorID:          p.SensorID,
				FlowRate:          flow,
				AccumulatedVolume: math.Round(total*1000) / 1000,
				TimeLabel:         ts.Format(time.DateTime),
				ObservedAt:        ts,
			},
			StorageTag: "simulated",
		})
	}
	return out
}

func writeFile(path string, entries []models.HistoryEntry) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := report.WriteFlatCSV(file, entries); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
