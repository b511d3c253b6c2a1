// Package report turns a slice of history into a diagnostic report: the
// statistics summary, a row table, a narrative paragraph, a CSV or JSON
// document and an SVG flow chart.
package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"water_monitor/models"
	"water_monitor/stats"
)

// ErrInsufficientData means there was nothing to report on
var ErrInsufficientData = errors.New("insufficient data")

// Format selects the document rendering of an artifact
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// utf8BOM lets spreadsheet tools detect the CSV encoding
const utf8BOM = "\ufeff"

// now is replaced in tests
var now = time.Now

// Row is one raw entry in the report table
type Row struct {
	Timestamp         time.Time `json:"timestamp"`
	SensorID          string    `json:"sensorId"`
	DisplayTime       string    `json:"displayTime"`
	FlowRate          float64   `json:"flowRate"`
	AccumulatedVolume float64   `json:"accumulatedVolume"`
	StorageTag        string    `json:"storageTag"`
}

// Artifact is a finished report
type Artifact struct {
	ID          string         `json:"id"`
	GeneratedAt time.Time      `json:"generatedAt"`
	Threshold   float64        `json:"threshold"`
	Summary     *stats.Summary `json:"stats"`
	Rows        []Row          `json:"rows"`
	Narrative   string         `json:"narrative"`
	Format      Format         `json:"-"`
	ContentType string         `json:"-"`
	Content     []byte         `json:"-"`
	Chart       []byte         `json:"-"`
}

// DocumentRenderer lays an artifact out as a printable document (PDF)
type DocumentRenderer interface {
	Render(ctx context.Context, a *Artifact) ([]byte, error)
}

// Build summarizes entries at threshold and renders the document in format.
// Empty entries fail with ErrInsufficientData and nothing is produced.
func Build(entries []models.HistoryEntry, threshold float64, format Format) (*Artifact, error) {
	summary := stats.Summarize(entries, threshold)
	if summary == nil {
		return nil, ErrInsufficientData
	}

	a := &Artifact{
		ID:          uuid.NewString(),
		GeneratedAt: now().UTC(),
		Threshold:   threshold,
		Summary:     summary,
		Rows:        rows(entries),
		Format:      format,
	}
	a.Narrative = Narrative(summary)

	var err error
	switch format {
	case FormatCSV, "":
		a.Format = FormatCSV
		a.ContentType = "text/csv; charset=utf-8"
		a.Content, err = renderCSV(a)
	case FormatJSON:
		a.ContentType = "application/json"
		a.Content, err = json.Marshal(a)
	default:
		return nil, fmt.Errorf("unsupported report format: %s", format)
	}
	if err != nil {
		return nil, fmt.Errorf("render %s report: %w", a.Format, err)
	}

	a.Chart = Chart(entries, threshold)
	return a, nil
}

func rows(entries []models.HistoryEntry) []Row {
	out := make([]Row, len(entries))
	for i, e := range entries {
		out[i] = Row{
			Timestamp:         e.ObservedAt,
			SensorID:          e.SensorID,
			DisplayTime:       e.TimeLabel,
			FlowRate:          e.FlowRate,
			AccumulatedVolume: e.AccumulatedVolume,
			StorageTag:        e.StorageTag,
		}
	}
	return out
}

// Narrative is the fixed diagnostic paragraph for a summary
func Narrative(s *stats.Summary) string {
	peakAt := s.Peak.TimeLabel
	if peakAt == "" {
		peakAt = s.Peak.Timestamp.Format(time.DateTime)
	}
	return fmt.Sprintf(
		"%.1f%% of the %d readings stayed within the %s L/min threshold and %d exceeded it. "+
			"Peak flow was %s L/min at %s on sensor %s.",
		s.PercentNormal, s.Count, num(s.Threshold), s.ExceededCount,
		num(s.Peak.Value), peakAt, s.Peak.SensorID,
	)
}

// Filter selects entries observed in [from, to), either bound zero meaning
// unbounded, for one sensor or all when sensorID is empty. The result is
// ordered by observation time.
func Filter(history map[string][]models.HistoryEntry, sensorID string, from, to time.Time) []models.HistoryEntry {
	var out []models.HistoryEntry
	keep := func(h []models.HistoryEntry) {
		for _, e := range h {
			if !from.IsZero() && e.ObservedAt.Before(from) {
				continue
			}
			if !to.IsZero() && !e.ObservedAt.Before(to) {
				continue
			}
			out = append(out, e)
		}
	}

	if sensorID != "" {
		keep(history[sensorID])
	} else {
		for _, h := range history {
			keep(h)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ObservedAt.Equal(out[j].ObservedAt) {
			return out[i].SensorID < out[j].SensorID
		}
		return out[i].ObservedAt.Before(out[j].ObservedAt)
	})
	return out
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// renderCSV writes the header, metrics, distribution and data blocks,
// separated by blank lines
func renderCSV(a *Artifact) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(utf8BOM)

	s := a.Summary
	blocks := [][][]string{
		{
			{"Water flow report", a.ID},
			{"generated_at", a.GeneratedAt.Format(time.RFC3339)},
			{"threshold_l_min", num(a.Threshold)},
			{"narrative", a.Narrative},
		},
		{
			{"metric", "value"},
			{"count", strconv.Itoa(s.Count)},
			{"mean", num(s.Mean)},
			{"min", num(s.Min)},
			{"max", num(s.Max)},
			{"std_dev", num(s.StdDev)},
			{"exceeded_count", strconv.Itoa(s.ExceededCount)},
			{"normal_count", strconv.Itoa(s.NormalCount)},
			{"percent_exceeded", num(s.PercentExceeded)},
			{"percent_normal", num(s.PercentNormal)},
			{"estimated_sampling_interval_seconds", num(s.EstimatedSamplingIntervalSeconds)},
			{"time_outside_threshold_seconds", num(s.TimeOutsideThresholdSeconds)},
		},
	}

	dist := [][]string{{"range_low", "range_high", "count", "percent"}}
	for _, b := range s.Distribution {
		dist = append(dist, []string{num(b.RangeLow), num(b.RangeHigh), strconv.Itoa(b.Count), num(b.Percent)})
	}
	blocks = append(blocks, dist)

	data := [][]string{{"timestamp", "sensor_id", "display_time", "flow_rate_l_min", "accumulated_volume_l", "storage"}}
	for _, r := range a.Rows {
		data = append(data, []string{
			r.Timestamp.Format(time.RFC3339Nano), r.SensorID, r.DisplayTime,
			num(r.FlowRate), num(r.AccumulatedVolume), r.StorageTag,
		})
	}
	blocks = append(blocks, data)

	for i, block := range blocks {
		if i > 0 {
			buf.WriteString("\n")
		}
		w := csv.NewWriter(&buf)
		if err := w.WriteAll(block); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
