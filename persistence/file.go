package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"water_monitor/models"
)

const (
	SensorsFile = "sensors.json"
	HistoryFile = "history.json"
)

// File keeps the state as two JSON documents in a data directory: sensors.json
// maps sensor id to its latest reading, history.json is the flat entry list.
// Both are overwritten wholesale on every save.
type File struct {
	dir string
}

// NewFile creates the data directory if needed
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create data directory: %v", ErrPersistence, err)
	}
	return &File{dir: dir}, nil
}

func (f *File) Name() string { return BackendFile }

// Dir returns the data directory
func (f *File) Dir() string { return f.dir }

func (f *File) Save(_ context.Context, snap models.Snapshot) error {
	latest := snap.Latest
	if latest == nil {
		latest = map[string]models.Reading{}
	}
	if err := writeJSON(filepath.Join(f.dir, SensorsFile), latest); err != nil {
		return err
	}
	return writeJSON(filepath.Join(f.dir, HistoryFile), flattenHistory(snap.History))
}

// Load reads both documents; a missing document is an empty one
func (f *File) Load(_ context.Context) (models.Snapshot, error) {
	snap := models.NewSnapshot()

	if err := readJSON(filepath.Join(f.dir, SensorsFile), &snap.Latest); err != nil {
		return models.NewSnapshot(), err
	}
	if snap.Latest == nil {
		snap.Latest = make(map[string]models.Reading)
	}

	var entries []models.HistoryEntry
	if err := readJSON(filepath.Join(f.dir, HistoryFile), &entries); err != nil {
		return models.NewSnapshot(), err
	}
	snap.History = groupHistory(entries)

	return snap, nil
}

func (f *File) Status(context.Context) Status {
	info, err := os.Stat(f.dir)
	return Status{Connected: err == nil && info.IsDir(), Backing: BackendFile}
}

func (f *File) Close() error { return nil }

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrPersistence, filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrPersistence, filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrPersistence, filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrPersistence, filepath.Base(path), err)
	}
	return nil
}
