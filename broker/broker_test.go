package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"water_monitor/models"
)

type fakeQueue struct {
	mu       sync.Mutex
	keys     []string
	messages [][]byte
	err      error
	block    bool
	closed   bool
}

func (q *fakeQueue) Publish(ctx context.Context, key string, data []byte) error {
	if q.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if q.err != nil {
		return q.err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.keys = append(q.keys, key)
	q.messages = append(q.messages, data)
	return nil
}

func (q *fakeQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *fakeQueue) published() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.keys)
}

func TestForwardPublishesJSON(t *testing.T) {
	q := &fakeQueue{}
	f := NewForwarder(q, time.Second, 8)
	f.Start(context.Background())

	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, f.Forward(context.Background(), models.Reading{
		SensorID: "4", FlowRate: 2.5, AccumulatedVolume: 40, TimeLabel: "03:04", ObservedAt: at,
	}))
	require.Eventually(t, func() bool { return q.published() == 1 }, time.Second, 5*time.Millisecond)

	require.Equal(t, []string{"4"}, q.keys)
	var body map[string]any
	require.NoError(t, json.Unmarshal(q.messages[0], &body))
	require.Equal(t, "4", body["sensor_id"])
	require.Equal(t, 2.5, body["caudal_min"])
	require.Equal(t, 40.0, body["total_acumulado"])
	require.Equal(t, "2025-01-02T03:04:05Z", body["ultima_actualizacion"])

	require.NoError(t, f.Close())
	require.True(t, q.closed)
}

func TestCloseFlushesQueued(t *testing.T) {
	q := &fakeQueue{}
	f := NewForwarder(q, time.Second, 8)

	// queued before the loop starts
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, f.Forward(context.Background(), models.Reading{SensorID: id}))
	}
	f.Start(context.Background())
	require.NoError(t, f.Close())
	require.Equal(t, 3, q.published())
}

func TestForwardNeverWaitsOnStuckBroker(t *testing.T) {
	q := &fakeQueue{block: true}
	f := NewForwarder(q, 200*time.Millisecond, 2)
	f.Start(context.Background())

	start := time.Now()
	var full int
	for i := 0; i < 10; i++ {
		if err := f.Forward(context.Background(), models.Reading{SensorID: "1"}); err != nil {
			require.ErrorIs(t, err, ErrQueueFull)
			full++
		}
	}
	require.Less(t, time.Since(start), time.Second)
	require.GreaterOrEqual(t, full, 7)

	// Close aborts the blocked publish and gives up on the rest within the timeout
	require.NoError(t, f.Close())
	require.Zero(t, q.published())
}

func TestPublishErrors(t *testing.T) {
	down := errors.New("broker down")
	err := NewForwarder(&fakeQueue{err: down}, time.Second, 1).publish(context.Background(), models.Reading{SensorID: "1"})
	require.ErrorIs(t, err, down)

	err = NewForwarder(&fakeQueue{block: true}, 10*time.Millisecond, 1).publish(context.Background(), models.Reading{SensorID: "1"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
