package server

import (
	"fmt"
	"time"

	"water_monitor/alerts"
	"water_monitor/ingest"
	"water_monitor/persistence"
	"water_monitor/report"
	"water_monitor/store"
)

type ServerConfig struct {
	Port        string
	Store       *store.Store
	Ingester    *ingest.Service
	Backend     persistence.Backend
	Snapshotter *persistence.Snapshotter
	Renderer    report.DocumentRenderer
	Threshold   float64
	Rules       []alerts.Rule
	Location    *time.Location
	Now         func() time.Time
}

type ConfigOption func(*ServerConfig) error

func WithPort(port string) ConfigOption {
	return func(config *ServerConfig) error {
		config.Port = port
		return nil
	}
}

// WithStore sets the sensor store and the ingestion service writing to it.
// A nil service gets a default one in front of st.
func WithStore(st *store.Store, svc *ingest.Service) ConfigOption {
	return func(config *ServerConfig) error {
		if st == nil {
			return fmt.Errorf("store is required")
		}
		config.Store = st
		config.Ingester = svc
		return nil
	}
}

// WithPersistence reports backend status on /api/db-status and flushes
// through snapshotter when a request panics
func WithPersistence(backend persistence.Backend, snapshotter *persistence.Snapshotter) ConfigOption {
	return func(config *ServerConfig) error {
		config.Backend = backend
		config.Snapshotter = snapshotter
		return nil
	}
}

func WithRenderer(r report.DocumentRenderer) ConfigOption {
	return func(config *ServerConfig) error {
		config.Renderer = r
		return nil
	}
}

func WithReportThreshold(threshold float64) ConfigOption {
	return func(config *ServerConfig) error {
		if threshold < 0 {
			return fmt.Errorf("report threshold must not be negative, got %v", threshold)
		}
		config.Threshold = threshold
		return nil
	}
}

func WithAlertRules(rules []alerts.Rule) ConfigOption {
	return func(config *ServerConfig) error {
		config.Rules = rules
		return nil
	}
}

// WithLocation sets the zone used for calendar days and date-only bounds
func WithLocation(loc *time.Location) ConfigOption {
	return func(config *ServerConfig) error {
		if loc == nil {
			return fmt.Errorf("location is required")
		}
		config.Location = loc
		return nil
	}
}

func WithClock(now func() time.Time) ConfigOption {
	return func(config *ServerConfig) error {
		config.Now = now
		return nil
	}
}
