package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"water_monitor/broker"
	"water_monitor/models"
	"water_monitor/store"
)

func TestNormalizeConvertsMillilitres(t *testing.T) {
	tests := []struct {
		flow, accum any
		wantFlow    float64
		wantAccum   float64
	}{
		{"5000", "50000", 5.0, 50.0},
		{1234.0, 0.0, 1.234, 0},
		{"1", "999", 0.001, 0.999},
		{json.Number("2500"), 7, 2.5, 0.007},
		{" 15 ", "1000000", 0.015, 1000},
	}

	for _, tt := range tests {
		m, err := Normalize(tt.flow, tt.accum)
		require.NoError(t, err)
		require.Equal(t, tt.wantFlow, m.FlowRate)
		require.Equal(t, tt.wantAccum, m.AccumulatedVolume)
	}
}

func TestNormalizeRejectsNonNumeric(t *testing.T) {
	for _, raw := range []any{"abc", "", nil, true, "NaN", "Inf", []any{1}} {
		_, err := Normalize(raw, "1")
		require.ErrorIs(t, err, ErrInvalidMeasurement, "%v", raw)

		_, err = Normalize("1", raw)
		require.ErrorIs(t, err, ErrInvalidMeasurement, "%v", raw)
	}
}

func TestNegativePolicies(t *testing.T) {
	m, err := Normalize("-2000", "1000")
	require.NoError(t, err)
	require.Equal(t, -2.0, m.FlowRate)

	m, err = Normalizer{Policy: NegativeClamp}.Normalize("-2000", "-1")
	require.NoError(t, err)
	require.Equal(t, 0.0, m.FlowRate)
	require.Equal(t, 0.0, m.AccumulatedVolume)

	_, err = Normalizer{Policy: NegativeReject}.Normalize("2000", "-1000")
	require.ErrorIs(t, err, ErrInvalidMeasurement)
}

func TestParsePayloadPrecedence(t *testing.T) {
	p, err := ParsePayload(map[string]any{
		"sensorId": "7",
		"caudal":   "300",
		"flow":     "999",
		"total":    12.0,
		"time":     "08:15",
	})
	require.NoError(t, err)
	require.Equal(t, "7", p.SensorID)
	require.Equal(t, "300", p.RawFlow)
	require.Equal(t, 12.0, p.RawAccum)
	require.Equal(t, "08:15", p.TimeLabel)

	p, err = ParsePayload(map[string]any{
		"sensor_id": 3.0, "caudal_min": nil, "value": "10", "total_acumulado": "1", "hora": "x",
	})
	require.NoError(t, err)
	require.Equal(t, "3", p.SensorID)
	require.Equal(t, "10", p.RawFlow)
}

func TestParsePayloadMissingFields(t *testing.T) {
	_, err := ParsePayload(map[string]any{"caudal_min": "1", "total_acumulado": "1", "hora": "x"})
	require.ErrorIs(t, err, ErrInvalidMeasurement)
	require.Contains(t, err.Error(), "sensor_id")

	_, err = ParsePayload(map[string]any{"sensor_id": "1", "caudal_min": "1", "hora": "x"})
	require.ErrorIs(t, err, ErrInvalidMeasurement)

	_, err = ParsePayload(map[string]any{"sensor_id": "  ", "caudal_min": "1", "total_acumulado": "1", "hora": "x"})
	require.ErrorIs(t, err, ErrInvalidMeasurement)
}

type fakeForwarder struct {
	readings []models.Reading
	err      error
}

func (f *fakeForwarder) Forward(_ context.Context, r models.Reading) error {
	f.readings = append(f.readings, r)
	return f.err
}

func TestServiceIngest(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	st := store.New(store.MaxHistory, "memory")
	fwd := &fakeForwarder{err: errors.New("broker down")}
	svc := NewService(st, WithClock(func() time.Time { return now }), WithForwarder(fwd))

	r, err := svc.Ingest(context.Background(), "http", map[string]any{
		"sensor_id": "1", "caudal_min": "5000", "total_acumulado": "50000", "hora": "12:00",
	})
	require.NoError(t, err)
	require.Equal(t, 5.0, r.FlowRate)
	require.Equal(t, 50.0, r.AccumulatedVolume)
	require.Equal(t, now, r.ObservedAt)

	latest, ok := st.Latest("1")
	require.True(t, ok)
	require.Equal(t, 5.0, latest.FlowRate)
	require.Equal(t, 50.0, latest.AccumulatedVolume)
	require.Len(t, fwd.readings, 1)
}

func TestServiceRejectsBeforeStore(t *testing.T) {
	st := store.New(store.MaxHistory, "memory")
	svc := NewService(st)

	_, err := svc.Ingest(context.Background(), "http", map[string]any{
		"sensor_id": "1", "caudal_min": "abc", "total_acumulado": "1", "hora": "12:00",
	})
	require.ErrorIs(t, err, ErrInvalidMeasurement)
	require.Equal(t, 0, st.SensorCount())
}

func TestServiceVolumePolicy(t *testing.T) {
	body := func(total string) map[string]any {
		return map[string]any{"sensor_id": "1", "caudal_min": "1000", "total_acumulado": total, "hora": "t"}
	}

	st := store.New(store.MaxHistory, "memory")
	svc := NewService(st, WithVolumePolicy(VolumeReject))
	_, err := svc.Ingest(context.Background(), "http", body("5000"))
	require.NoError(t, err)
	_, err = svc.Ingest(context.Background(), "http", body("4000"))
	require.ErrorIs(t, err, ErrInvalidMeasurement)
	require.Len(t, st.HistoryFor("1"), 1)

	flagged := NewService(st, WithVolumePolicy(VolumeFlag))
	_, err = flagged.Ingest(context.Background(), "http", body("4000"))
	require.NoError(t, err)
	require.Len(t, st.HistoryFor("1"), 2)
}

func TestServiceVolumeRejectUnderConcurrency(t *testing.T) {
	st := store.New(store.MaxHistory, "memory")
	svc := NewService(st, WithVolumePolicy(VolumeReject))

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(total int) {
			defer wg.Done()
			_, _ = svc.Ingest(context.Background(), "http", map[string]any{
				"sensor_id": "1", "caudal_min": "1000", "total_acumulado": strconv.Itoa(total), "hora": "t",
			})
		}((i%8 + 1) * 1000)
	}
	wg.Wait()

	h := st.HistoryFor("1")
	require.NotEmpty(t, h)
	for i := 1; i < len(h); i++ {
		require.GreaterOrEqual(t, h[i].AccumulatedVolume, h[i-1].AccumulatedVolume)
	}
}

type stuckQueue struct{}

func (stuckQueue) Publish(ctx context.Context, _ string, _ []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stuckQueue) Close() error { return nil }

func TestServiceIngestDoesNotWaitOnBroker(t *testing.T) {
	fwd := broker.NewForwarder(stuckQueue{}, 500*time.Millisecond, 1)
	fwd.Start(context.Background())
	t.Cleanup(func() { _ = fwd.Close() })

	st := store.New(store.MaxHistory, "memory")
	svc := NewService(st, WithForwarder(fwd))

	start := time.Now()
	for i := 0; i < 5; i++ {
		_, err := svc.Ingest(context.Background(), "http", map[string]any{
			"sensor_id": "1", "caudal_min": "1000", "total_acumulado": "1000", "hora": "t",
		})
		require.NoError(t, err)
	}
	require.Less(t, time.Since(start), time.Second)
	require.Len(t, st.HistoryFor("1"), 5)
}
