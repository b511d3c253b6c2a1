package mqttbridge

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"water_monitor/config"
	"water_monitor/ingest"
	"water_monitor/metrics"
	"water_monitor/models"
	"water_monitor/store"
)

type recordingIngester struct {
	mu     sync.Mutex
	bodies []map[string]any
}

func (r *recordingIngester) Ingest(_ context.Context, _ string, body map[string]any) (models.Reading, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies = append(r.bodies, body)
	return models.Reading{}, nil
}

func (r *recordingIngester) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func freePort(t *testing.T) int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func startBroker(t *testing.T) string {
	addr := fmt.Sprintf("127.0.0.1:%d", freePort(t))

	server := mochi.New(nil)
	require.NoError(t, server.AddHook(new(auth.AllowHook), nil))
	require.NoError(t, server.AddListener(listeners.NewTCP(listeners.Config{
		Type:    "tcp",
		Address: addr,
	})))
	require.NoError(t, server.Serve())
	t.Cleanup(func() { server.Close() })

	return addr
}

func publisher(t *testing.T, ctx context.Context, addr string) *paho.Client {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	require.NoError(t, err)

	client := paho.NewClient(paho.ClientConfig{ClientID: "test-publisher", Conn: conn})
	_, err = client.Connect(ctx, &paho.Connect{ClientID: "test-publisher", KeepAlive: 30, CleanStart: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(&paho.Disconnect{ReasonCode: 0}) })
	return client
}

func TestBridgeIngestsPublishedReadings(t *testing.T) {
	addr := startBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.New(10, "memory")
	svc := ingest.NewService(st)
	b := New(config.MQTTConfig{
		Broker:   "tcp://" + addr,
		Topic:    "sensors/+/data",
		ClientID: "water-monitor-test",
	}, svc, WithBackoff(50*time.Millisecond, 200*time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	pub := publisher(t, ctx, addr)

	// the bridge subscribes asynchronously, so keep publishing until it sees one
	require.Eventually(t, func() bool {
		_, _ = pub.Publish(ctx, &paho.Publish{
			Topic:   "sensors/7/data",
			Payload: []byte(`{"caudal_min": 5000, "total_acumulado": 12000, "hora": "10:00:00"}`),
		})
		_, ok := st.Latest("7")
		return ok
	}, 5*time.Second, 100*time.Millisecond)

	latest, _ := st.Latest("7")
	require.Equal(t, 5.0, latest.FlowRate)
	require.Equal(t, 12.0, latest.AccumulatedVolume)
	require.Equal(t, "10:00:00", latest.TimeLabel)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not stop")
	}
}

func TestBridgeRetriesUnreachableBroker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	b := New(config.MQTTConfig{Broker: fmt.Sprintf("127.0.0.1:%d", freePort(t)), Topic: "sensors/+/data"},
		&recordingIngester{}, WithBackoff(20*time.Millisecond, 50*time.Millisecond))
	require.NoError(t, b.Run(ctx))
}

func TestHandle(t *testing.T) {
	rec := &recordingIngester{}
	b := New(config.MQTTConfig{Topic: "sensors/+/data"}, rec)
	ctx := context.Background()

	b.handle(ctx, "sensors/3/data", []byte("not json"))
	b.handle(ctx, "sensors/3/data", []byte("[1,2]"))
	require.Equal(t, 0, rec.count())

	b.handle(ctx, "sensors/3/data", []byte(`{"caudal_min": 1}`))
	b.handle(ctx, "sensors/3/data", []byte(`{"sensorId": "9", "caudal_min": 1}`))
	require.Equal(t, 2, rec.count())
	require.Equal(t, "3", rec.bodies[0]["sensor_id"])
	require.NotContains(t, rec.bodies[1], "sensor_id")
	require.Equal(t, "9", rec.bodies[1]["sensorId"])
}

type panickingIngester struct{}

func (panickingIngester) Ingest(context.Context, string, map[string]any) (models.Reading, error) {
	panic("store corrupted")
}

type countingFlusher struct {
	mu    sync.Mutex
	calls int
}

func (f *countingFlusher) Flush(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func TestHandleRecoversAndFlushes(t *testing.T) {
	flusher := &countingFlusher{}
	b := New(config.MQTTConfig{Topic: "sensors/+/data"}, panickingIngester{}, WithFlusher(flusher))
	rejected := metrics.ReadingsRejected.WithLabelValues("mqtt")
	before := testutil.ToFloat64(rejected)

	require.NotPanics(t, func() {
		b.handle(context.Background(), "sensors/1/data", []byte(`{"caudal_min": 1}`))
	})
	require.Equal(t, 1, flusher.calls)
	require.Equal(t, before+1, testutil.ToFloat64(rejected))

	// without a flusher the panic is still contained
	b = New(config.MQTTConfig{Topic: "sensors/+/data"}, panickingIngester{})
	require.NotPanics(t, func() {
		b.handle(context.Background(), "sensors/1/data", []byte(`{"caudal_min": 1}`))
	})
}

func TestSensorIDFromTopic(t *testing.T) {
	require.Equal(t, "5", SensorIDFromTopic("sensors/+/data", "sensors/5/data"))
	require.Equal(t, "", SensorIDFromTopic("sensors/#", "sensors/5/data"))
	require.Equal(t, "", SensorIDFromTopic("sensors/data", "sensors/data"))
	require.Equal(t, "", SensorIDFromTopic("a/b/+", "a/b"))
}

func TestBrokerAddressAndBackoff(t *testing.T) {
	require.Equal(t, "localhost:1883", brokerAddress("mqtt://localhost"))
	require.Equal(t, "10.0.0.1:1884", brokerAddress("tcp://10.0.0.1:1884"))

	for i := 0; i < 20; i++ {
		next := nextBackoff(time.Second, 3*time.Second)
		require.GreaterOrEqual(t, next, 1500*time.Millisecond)
		require.LessOrEqual(t, next, 3*time.Second)
	}
	require.Equal(t, time.Minute, nextBackoff(time.Minute, time.Minute))
}
