package models

import (
	"time"
)

// Reading is a normalized sensor measurement. Flow is in litres per minute,
// accumulated volume in litres. ObservedAt is assigned by the server and is
// the authoritative ordering key; TimeLabel is whatever clock the sensor sent.
type Reading struct {
	SensorID          string    `json:"sensor_id"`
	FlowRate          float64   `json:"caudal_min"`
	AccumulatedVolume float64   `json:"total_acumulado"`
	TimeLabel         string    `json:"hora"`
	ObservedAt        time.Time `json:"ultima_actualizacion"`
}

// HistoryEntry is a reading as kept in the bounded per-sensor history
type HistoryEntry struct {
	Reading
	StorageTag string `json:"storage"`
}

// Snapshot is the full state exchanged between the store and a persistence backend
type Snapshot struct {
	Latest  map[string]Reading        `json:"latest"`
	History map[string][]HistoryEntry `json:"history"`
}

// NewSnapshot returns an empty snapshot with initialized maps
func NewSnapshot() Snapshot {
	return Snapshot{
		Latest:  make(map[string]Reading),
		History: make(map[string][]HistoryEntry),
	}
}

// Empty reports whether the snapshot holds no sensors
func (s Snapshot) Empty() bool {
	return len(s.Latest) == 0 && len(s.History) == 0
}

// SensorRow is the latest state of one sensor in the relational store
type SensorRow struct {
	SensorID          string    `gorm:"primaryKey;size:64" json:"sensor_id"`
	LastSeen          time.Time `gorm:"not null" json:"last_seen"`
	FlowRate          float64   `gorm:"column:caudal_min" json:"caudal_min"`
	AccumulatedVolume float64   `gorm:"column:total_acumulado" json:"total_acumulado"`
	TimeLabel         string    `gorm:"column:hora;size:64" json:"hora"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName customizes the table name
func (SensorRow) TableName() string {
	return "sensors"
}

// HistoryRow is one history entry in the relational store
type HistoryRow struct {
	ID                uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SensorID          string    `gorm:"not null;size:64" json:"sensor_id"`
	ObservedAt        time.Time `gorm:"not null" json:"observed_at"`
	FlowRate          float64   `gorm:"column:caudal_min" json:"caudal_min"`
	AccumulatedVolume float64   `gorm:"column:total_acumulado" json:"total_acumulado"`
	TimeLabel         string    `gorm:"column:hora;size:64" json:"hora"`
	StorageTag        string    `gorm:"column:storage;size:32" json:"storage"`
}

// TableName customizes the table name
func (HistoryRow) TableName() string {
	return "history"
}

// SensorRowFrom converts a reading into its relational row
func SensorRowFrom(r Reading) SensorRow {
	return SensorRow{
		SensorID:          r.SensorID,
		LastSeen:          r.ObservedAt,
		FlowRate:          r.FlowRate,
		AccumulatedVolume: r.AccumulatedVolume,
		TimeLabel:         r.TimeLabel,
	}
}

// Reading converts the row back to a domain reading
func (r SensorRow) Reading() Reading {
	return Reading{
		SensorID:          r.SensorID,
		FlowRate:          r.FlowRate,
		AccumulatedVolume: r.AccumulatedVolume,
		TimeLabel:         r.TimeLabel,
		ObservedAt:        r.LastSeen,
	}
}

// HistoryRowFrom converts a history entry into its relational row
func HistoryRowFrom(e HistoryEntry) HistoryRow {
	return HistoryRow{
		SensorID:          e.SensorID,
		ObservedAt:        e.ObservedAt,
		FlowRate:          e.FlowRate,
		AccumulatedVolume: e.AccumulatedVolume,
		TimeLabel:         e.TimeLabel,
		StorageTag:        e.StorageTag,
	}
}

// Entry converts the row back to a history entry
func (r HistoryRow) Entry() HistoryEntry {
	return HistoryEntry{
		Reading: Reading{
			SensorID:          r.SensorID,
			FlowRate:          r.FlowRate,
			AccumulatedVolume: r.AccumulatedVolume,
			TimeLabel:         r.TimeLabel,
			ObservedAt:        r.ObservedAt,
		},
		StorageTag: r.StorageTag,
	}
}

// GetAllModels returns all models for migration
func GetAllModels() []interface{} {
	return []interface{}{
		&SensorRow{},
		&HistoryRow{},
	}
}
