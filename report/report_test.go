package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"water_monitor/models"
)

var t0 = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func spike() []models.HistoryEntry {
	values := []float64{1, 1, 1, 1, 1, 1, 1, 1, 1, 20}
	out := make([]models.HistoryEntry, len(values))
	for i, v := range values {
		at := t0.Add(time.Duration(i) * 10 * time.Second)
		out[i] = models.HistoryEntry{
			Reading: models.Reading{
				SensorID: "1", FlowRate: v, AccumulatedVolume: float64(i), TimeLabel: at.Format("15:04:05"), ObservedAt: at,
			},
			StorageTag: "memory",
		}
	}
	return out
}

func TestBuildEmpty(t *testing.T) {
	a, err := Build(nil, 0.012, FormatCSV)
	require.ErrorIs(t, err, ErrInsufficientData)
	require.Nil(t, a)
}

func TestBuildUnsupportedFormat(t *testing.T) {
	_, err := Build(spike(), 5, Format("xlsx"))
	require.ErrorContains(t, err, "unsupported report format")
}

func TestBuildCSV(t *testing.T) {
	now = func() time.Time { return t0.Add(time.Hour) }
	t.Cleanup(func() { now = time.Now })

	a, err := Build(spike(), 5, FormatCSV)
	require.NoError(t, err)
	require.NotEmpty(t, a.ID)
	require.Equal(t, t0.Add(time.Hour), a.GeneratedAt)
	require.Equal(t, 10, a.Summary.Count)
	require.Len(t, a.Rows, 10)
	require.Equal(t, "08:01:30", a.Rows[9].DisplayTime)
	require.Equal(t, "text/csv; charset=utf-8", a.ContentType)

	content := string(a.Content)
	require.True(t, strings.HasPrefix(content, "\ufeff"))

	header := strings.Index(content, "Water flow report,"+a.ID)
	metrics := strings.Index(content, "metric,value")
	dist := strings.Index(content, "range_low,range_high,count,percent")
	data := strings.Index(content, "timestamp,sensor_id,display_time")
	require.True(t, header > 0 && header < metrics && metrics < dist && dist < data, content)

	require.Contains(t, content, "exceeded_count,1\n")
	require.Contains(t, content, "percent_normal,90\n")
	require.Contains(t, content, "2025-06-01T08:01:30Z,1,08:01:30,20,9,memory\n")
}

func TestBuildJSON(t *testing.T) {
	a, err := Build(spike(), 5, FormatJSON)
	require.NoError(t, err)
	require.Equal(t, "application/json", a.ContentType)

	var doc struct {
		ID    string `json:"id"`
		Stats struct {
			Count     int `json:"count"`
			Anomalies []struct {
				Value float64 `json:"value"`
			} `json:"anomalies"`
		} `json:"stats"`
		Rows      []Row  `json:"rows"`
		Narrative string `json:"narrative"`
	}
	require.NoError(t, json.Unmarshal(a.Content, &doc))
	require.Equal(t, a.ID, doc.ID)
	require.Equal(t, 10, doc.Stats.Count)
	require.Len(t, doc.Stats.Anomalies, 1)
	require.Len(t, doc.Rows, 10)
	require.Equal(t, a.Narrative, doc.Narrative)
}

func TestNarrative(t *testing.T) {
	a, err := Build(spike(), 5, FormatCSV)
	require.NoError(t, err)
	require.Equal(t,
		"90.0% of the 10 readings stayed within the 5 L/min threshold and 1 exceeded it. "+
			"Peak flow was 20 L/min at 08:01:30 on sensor 1.",
		a.Narrative)
}

func TestChart(t *testing.T) {
	entries := spike()
	entries = append(entries, models.HistoryEntry{Reading: models.Reading{SensorID: "2", FlowRate: 3, ObservedAt: t0}})

	svg := string(Chart(entries, 5))
	require.True(t, strings.HasPrefix(svg, "<svg"))
	require.True(t, strings.HasSuffix(svg, "</svg>"))
	require.Equal(t, 2, strings.Count(svg, "<polyline"))
	require.Contains(t, svg, "data-sensor=\"1\"")
	require.Contains(t, svg, "stroke-dasharray")

	require.NotContains(t, string(Chart(nil, 5)), "<polyline")
}

func TestFilter(t *testing.T) {
	history := map[string][]models.HistoryEntry{
		"1": spike(),
		"2": {{Reading: models.Reading{SensorID: "2", FlowRate: 2, ObservedAt: t0.Add(15 * time.Second)}}},
	}

	all := Filter(history, "", time.Time{}, time.Time{})
	require.Len(t, all, 11)
	require.Equal(t, "2", all[2].SensorID)

	window := Filter(history, "1", t0.Add(20*time.Second), t0.Add(50*time.Second))
	require.Len(t, window, 3)
	require.True(t, window[0].ObservedAt.Equal(t0.Add(20*time.Second)))

	require.Empty(t, Filter(history, "3", time.Time{}, time.Time{}))
}

func TestWriteFlatCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFlatCSV(&buf, spike()[:2]))

	require.False(t, strings.HasPrefix(buf.String(), "\ufeff"))
	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, FlatHeader, records[0])
	require.Equal(t, []string{"2025-06-01T08:00:10Z", "1", "08:00:10", "1", "1", "memory"}, records[2])
}
