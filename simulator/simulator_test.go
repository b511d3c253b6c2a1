package simulator

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"water_monitor/scanner"
)

var end = time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

func TestGenerateWritesScannableFiles(t *testing.T) {
	dir := t.TempDir()
	files, err := Generate(dir, DefaultProfiles, 1, end, 42)
	require.NoError(t, err)
	require.Len(t, files, 3)

	want := map[string]int{"1": 1440, "2": 1440, "3": 288}
	for i, f := range files {
		require.NoError(t, f.Err)
		p := DefaultProfiles[i]
		require.Equal(t, want[p.SensorID], f.Records)

		file, err := os.Open(f.Path)
		require.NoError(t, err)
		rows, errs, err := scanner.ParseHistoryCSV(file, p.Filename)
		file.Close()
		require.NoError(t, err)
		require.Zero(t, errs)
		require.Len(t, rows, f.Records)
		require.Equal(t, p.SensorID, rows[0].SensorID)
		require.Equal(t, "simulated", rows[0].StorageTag)
	}
}

func TestGenerateRejectsNonPositiveDays(t *testing.T) {
	_, err := Generate(t.TempDir(), DefaultProfiles, 0, end, 1)
	require.Error(t, err)
}

func TestSeriesIsMonotonicAndDeterministic(t *testing.T) {
	p := Profile{SensorID: "9", BaseFlow: 4, Interval: time.Minute, SpikeEvery: 10}
	start := end.Add(-2 * time.Hour)

	a := Series(p, start, end, rand.New(rand.NewSource(7)))
	b := Series(p, start, end, rand.New(rand.NewSource(7)))
	require.Equal(t, a, b)
	require.Len(t, a, 120)

	for i := 1; i < len(a); i++ {
		require.GreaterOrEqual(t, a[i].FlowRate, 0.0)
		require.GreaterOrEqual(t, a[i].AccumulatedVolume, a[i-1].AccumulatedVolume)
		require.True(t, a[i].ObservedAt.After(a[i-1].ObservedAt))
	}
}

func TestLiveTick(t *testing.T) {
	var mu sync.Mutex
	var bodies []map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()

		if body["sensor_id"] == "2" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	live := NewLive(srv.URL, time.Second, 3)
	live.pause = time.Millisecond

	require.Equal(t, 2, live.Tick(context.Background()))
	require.Len(t, bodies, 3)

	for i, id := range []string{"1", "2", "3"} {
		require.Equal(t, id, bodies[i]["sensor_id"])
		flow, err := strconv.ParseFloat(bodies[i]["caudal_min"], 64)
		require.NoError(t, err)
		require.GreaterOrEqual(t, flow, 2.0)
		require.LessOrEqual(t, flow, 14.0)
		_, err = time.Parse(time.DateTime, bodies[i]["hora"])
		require.NoError(t, err)
	}

	total, err := strconv.ParseFloat(bodies[0]["total_acumulado"], 64)
	require.NoError(t, err)
	require.GreaterOrEqual(t, total, 50.0)
	require.LessOrEqual(t, total, 53.0)
}

func TestLiveRunStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	live := NewLive(srv.URL, 20*time.Millisecond, 1)
	live.pause = time.Millisecond
	require.NoError(t, live.Run(ctx))
}

func TestLiveUnreachableTarget(t *testing.T) {
	live := NewLive("http://127.0.0.1:1/api/sensor-data", time.Second, 1)
	live.pause = time.Millisecond
	require.Zero(t, live.Tick(context.Background()))
}
