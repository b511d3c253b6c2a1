package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"water_monitor/logger"
	"water_monitor/metrics"
	"water_monitor/models"
)

// Source is anything that can hand out a consistent copy of the sensor state
type Source interface {
	Snapshot() models.Snapshot
}

// Target is anything that can take the sensor state back
type Target interface {
	Restore(models.Snapshot)
}

// Snapshotter periodically saves the state of a Source to a Backend.
// Saves never overlap; a failed save is logged and the next tick retries.
type Snapshotter struct {
	backend  Backend
	source   Source
	interval time.Duration

	saveMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSnapshotter creates a stopped snapshotter
func NewSnapshotter(backend Backend, source Source, interval time.Duration) *Snapshotter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Snapshotter{
		backend:  backend,
		source:   source,
		interval: interval,
	}
}

// Start launches the save loop; it runs until ctx is done or Stop is called
func (s *Snapshotter) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx, s.done)
	logger.Printf("Snapshotter started: %s backend every %v", s.backend.Name(), s.interval)
}

func (s *Snapshotter) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick saves once; a panicking save is counted as a failure and the loop
// keeps running so Stop can still attempt the final snapshot
func (s *Snapshotter) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SnapshotFailures.Inc()
			logger.Errorf("Snapshot to %s panicked: %v", s.backend.Name(), r)
		}
	}()
	// errors are already logged and counted
	_ = s.Flush(ctx)
}

// Stop ends the loop and writes one final snapshot synchronously
func (s *Snapshotter) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	ctx, cancelFlush := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFlush()
	return s.Flush(ctx)
}

// Flush saves the current state now
func (s *Snapshotter) Flush(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	start := time.Now()
	snap := s.source.Snapshot()
	if err := s.backend.Save(ctx, snap); err != nil {
		metrics.SnapshotFailures.Inc()
		logger.Errorf("Snapshot to %s failed: %v", s.backend.Name(), err)
		return fmt.Errorf("save snapshot: %w", err)
	}
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	logger.Debugf("Snapshot to %s: %d sensors in %v", s.backend.Name(), len(snap.Latest), time.Since(start))
	return nil
}

// Restore loads the last snapshot into target. A failed load leaves the
// target empty and is reported but never fatal.
func Restore(ctx context.Context, backend Backend, target Target) error {
	snap, err := backend.Load(ctx)
	if err != nil {
		logger.Errorf("Restore from %s failed, starting empty: %v", backend.Name(), err)
		target.Restore(models.NewSnapshot())
		return err
	}
	target.Restore(snap)
	if snap.Empty() {
		logger.Printf("No previous state in %s, starting empty", backend.Name())
		return nil
	}
	logger.Printf("Restored %d sensor(s) from %s", len(snap.Latest), backend.Name())
	return nil
}
