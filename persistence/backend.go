// Package persistence mirrors the sensor state store to durable backends and
// restores it at startup.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"water_monitor/config"
	"water_monitor/database"
	"water_monitor/models"
)

// ErrPersistence marks a failed save or load. Callers never treat it as fatal.
var ErrPersistence = errors.New("persistence failure")

// Backend names
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendDatabase = "database"
	BackendMongo    = "mongo"
)

// Status is what /api/db-status reports about the active backend
type Status struct {
	Connected bool   `json:"dbConnected"`
	Backing   string `json:"dbBacking"`
}

// Backend stores and returns whole snapshots of the sensor state
type Backend interface {
	Name() string
	Save(ctx context.Context, snap models.Snapshot) error
	Load(ctx context.Context) (models.Snapshot, error)
	Status(ctx context.Context) Status
	Close() error
}

// Open builds the backend selected by persistence.backend
func Open(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.Persistence.Backend {
	case BackendMemory:
		return NewMemory(), nil
	case BackendFile:
		return NewFile(cfg.Persistence.DataDir)
	case BackendDatabase:
		db, err := database.Connect(cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		return NewRelational(db)
	case BackendMongo:
		return NewMongo(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
	default:
		return nil, fmt.Errorf("unsupported persistence backend: %s", cfg.Persistence.Backend)
	}
}

// Copy loads the snapshot held by from and saves it through to
func Copy(ctx context.Context, from, to Backend) (models.Snapshot, error) {
	snap, err := from.Load(ctx)
	if err != nil {
		return snap, fmt.Errorf("load from %s: %w", from.Name(), err)
	}
	if err := to.Save(ctx, snap); err != nil {
		return snap, fmt.Errorf("save to %s: %w", to.Name(), err)
	}
	return snap, nil
}

// groupHistory rebuilds the per-sensor history map, each sensor's entries
// oldest first so a capped restore keeps the most recent ones
func groupHistory(entries []models.HistoryEntry) map[string][]models.HistoryEntry {
	history := make(map[string][]models.HistoryEntry)
	for _, e := range entries {
		history[e.SensorID] = append(history[e.SensorID], e)
	}
	for _, h := range history {
		sort.SliceStable(h, func(i, j int) bool { return h[i].ObservedAt.Before(h[j].ObservedAt) })
	}
	return history
}

// flattenHistory lists every entry of the snapshot, sensors ordered by id and
// each sensor's entries in insertion order
func flattenHistory(history map[string][]models.HistoryEntry) []models.HistoryEntry {
	ids := make([]string, 0, len(history))
	n := 0
	for id, h := range history {
		ids = append(ids, id)
		n += len(h)
	}
	sort.Strings(ids)

	out := make([]models.HistoryEntry, 0, n)
	for _, id := range ids {
		out = append(out, history[id]...)
	}
	return out
}
