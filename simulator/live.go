package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"water_monitor/logger"
)

// DefaultTarget is the ingestion endpoint of a locally running server
const DefaultTarget = "http://localhost:4000/api/sensor-data"

type liveSensor struct {
	id    string
	total float64
}

// Live posts raw sensor payloads the way the field devices do: string
// values, in the device's native units, with a local wall clock label.
type Live struct {
	target   string
	client   *http.Client
	interval time.Duration
	pause    time.Duration
	rng      *rand.Rand
	sensors  []*liveSensor
}

// NewLive creates a sender for three sensors posting to target every interval
func NewLive(target string, interval time.Duration, seed int64) *Live {
	if target == "" {
		target = DefaultTarget
	}
	return &Live{
		target:   target,
		client:   &http.Client{Timeout: 5 * time.Second},
		interval: interval,
		pause:    200 * time.Millisecond,
		rng:      rand.New(rand.NewSource(seed)),
		sensors: []*liveSensor{
			{id: "1", total: 50},
			{id: "2", total: 10},
			{id: "3", total: 200},
		},
	}
}

// payload advances one sensor and returns its next body
func (l *Live) payload(s *liveSensor, now time.Time) map[string]string {
	flow := 2 + l.rng.Float64()*12
	s.total = math.Round((s.total+l.rng.Float64()*3)*10) / 10
	return map[string]string{
		"sensor_id":       s.id,
		"caudal_min":      strconv.FormatFloat(flow, 'f', 1, 64),
		"total_acumulado": strconv.FormatFloat(s.total, 'f', -1, 64),
		"hora":            now.Format(time.DateTime),
	}
}

// Tick sends one reading per sensor, pausing briefly between sensors.
// Send failures are logged; it returns the number of accepted readings.
func (l *Live) Tick(ctx context.Context) int {
	accepted := 0
	for i, s := range l.sensors {
		if i > 0 {
			select {
			case <-ctx.Done():
				return accepted
			case <-time.After(l.pause):
			}
		}

		status, body, err := l.send(ctx, l.payload(s, time.Now()))
		if err != nil {
			logger.Warnf("failed to send sensor %s: %v", s.id, err)
			continue
		}
		logger.Printf("sent sensor %s -> %d %s", s.id, status, body)
		if status < 300 {
			accepted++
		}
	}
	return accepted
}

// Run ticks immediately and then every interval until ctx is done
func (l *Live) Run(ctx context.Context) error {
	logger.Printf("simulator started, posting to %s every %v", l.target, l.interval)
	l.Tick(ctx)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

func (l *Live) send(ctx context.Context, payload map[string]string) (int, string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.target, bytes.NewReader(data))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, string(bytes.TrimSpace(body)), nil
}
