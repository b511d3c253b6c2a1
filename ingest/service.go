package ingest

import (
	"context"
	"fmt"
	"time"

	"water_monitor/logger"
	"water_monitor/metrics"
	"water_monitor/models"
)

// VolumePolicy decides what happens when a sensor reports an accumulated
// volume lower than its previous one (counter reset or sensor fault)
type VolumePolicy string

const (
	VolumeAccept VolumePolicy = "accept"
	VolumeFlag   VolumePolicy = "flag"
	VolumeReject VolumePolicy = "reject"
)

// Store is the part of the sensor state store the ingestion path writes to
type Store interface {
	IngestIf(r models.Reading, check func(prev models.Reading, ok bool) error) (models.HistoryEntry, error)
	SensorCount() int
}

// Forwarder publishes accepted readings to downstream consumers. Forward is
// called on the ingestion path and must not wait on the broker.
type Forwarder interface {
	Forward(ctx context.Context, r models.Reading) error
}

// Service is the single ingestion boundary shared by every transport
type Service struct {
	store        Store
	normalizer   Normalizer
	volumePolicy VolumePolicy
	forwarder    Forwarder
	now          func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithNegativePolicy sets how negative values are handled
func WithNegativePolicy(p NegativePolicy) Option {
	return func(s *Service) { s.normalizer.Policy = p }
}

// WithVolumePolicy sets how decreasing accumulated volumes are handled
func WithVolumePolicy(p VolumePolicy) Option {
	return func(s *Service) { s.volumePolicy = p }
}

// WithForwarder forwards every accepted reading
func WithForwarder(f Forwarder) Option {
	return func(s *Service) { s.forwarder = f }
}

// WithClock overrides the server clock used for ObservedAt
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates the ingestion service in front of a store
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:        store,
		normalizer:   Normalizer{Policy: NegativeAccept},
		volumePolicy: VolumeAccept,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest validates and normalizes a decoded payload and records it. Nothing
// touches the store unless the payload is valid.
func (s *Service) Ingest(ctx context.Context, source string, body map[string]any) (models.Reading, error) {
	reading, err := s.build(body)
	if err == nil {
		_, err = s.store.IngestIf(reading, s.checkVolume(reading))
	}
	if err != nil {
		metrics.ReadingsRejected.WithLabelValues(source).Inc()
		return models.Reading{}, err
	}

	metrics.ReadingsAccepted.WithLabelValues(source).Inc()
	metrics.ActiveSensors.Set(float64(s.store.SensorCount()))
	logger.Debugf("reading from sensor %s via %s: %.3f L/min, %.3f L",
		reading.SensorID, source, reading.FlowRate, reading.AccumulatedVolume)

	if s.forwarder != nil {
		if err := s.forwarder.Forward(ctx, reading); err != nil {
			metrics.ForwardFailures.Inc()
			logger.Warnf("failed to forward reading from sensor %s: %v", reading.SensorID, err)
		}
	}

	return reading, nil
}

func (s *Service) build(body map[string]any) (models.Reading, error) {
	p, err := ParsePayload(body)
	if err != nil {
		return models.Reading{}, err
	}

	m, err := s.normalizer.Normalize(p.RawFlow, p.RawAccum)
	if err != nil {
		return models.Reading{}, err
	}

	return models.Reading{
		SensorID:          p.SensorID,
		FlowRate:          m.FlowRate,
		AccumulatedVolume: m.AccumulatedVolume,
		TimeLabel:         p.TimeLabel,
		ObservedAt:        s.now().UTC(),
	}, nil
}

// checkVolume applies the volume policy against the sensor's previous reading
func (s *Service) checkVolume(r models.Reading) func(models.Reading, bool) error {
	return func(prev models.Reading, ok bool) error {
		if !ok || r.AccumulatedVolume >= prev.AccumulatedVolume {
			return nil
		}
		switch s.volumePolicy {
		case VolumeReject:
			return fmt.Errorf("%w: total_acumulado decreased from %.3f to %.3f",
				ErrInvalidMeasurement, prev.AccumulatedVolume, r.AccumulatedVolume)
		case VolumeFlag:
			logger.Warnf("sensor %s accumulated volume decreased from %.3f L to %.3f L",
				r.SensorID, prev.AccumulatedVolume, r.AccumulatedVolume)
		}
		return nil
	}
}
