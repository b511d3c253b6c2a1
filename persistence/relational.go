package persistence

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"water_monitor/database"
	"water_monitor/models"
)

const historyBatchSize = 500

// Relational keeps the state in the sensors and history tables of a gorm database
type Relational struct {
	db *gorm.DB
}

// NewRelational makes sure both tables exist
func NewRelational(db *gorm.DB) (*Relational, error) {
	if err := database.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return &Relational{db: db}, nil
}

func (r *Relational) Name() string { return BackendDatabase }

// DB exposes the connection for commands that share it
func (r *Relational) DB() *gorm.DB { return r.db }

// Save upserts one sensors row per sensor and replaces the history table,
// all in one transaction
func (r *Relational) Save(ctx context.Context, snap models.Snapshot) error {
	sensors := make([]models.SensorRow, 0, len(snap.Latest))
	for _, reading := range snap.Latest {
		sensors = append(sensors, models.SensorRowFrom(reading))
	}

	entries := flattenHistory(snap.History)
	rows := make([]models.HistoryRow, len(entries))
	for i, e := range entries {
		rows[i] = models.HistoryRowFrom(e)
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(sensors) > 0 {
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "sensor_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"last_seen", "caudal_min", "total_acumulado", "hora", "updated_at"}),
			}).Create(&sensors).Error
			if err != nil {
				return fmt.Errorf("upsert sensors: %w", err)
			}
		}

		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.HistoryRow{}).Error; err != nil {
			return fmt.Errorf("clear history: %w", err)
		}
		if len(rows) > 0 {
			if err := tx.CreateInBatches(rows, historyBatchSize).Error; err != nil {
				return fmt.Errorf("insert history: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// Load reads every sensor and the history ordered by observation time. Rows
// imported by the scan command can be older than rows already saved.
func (r *Relational) Load(ctx context.Context) (models.Snapshot, error) {
	db := r.db.WithContext(ctx)

	var sensors []models.SensorRow
	if err := db.Find(&sensors).Error; err != nil {
		return models.NewSnapshot(), fmt.Errorf("%w: read sensors: %v", ErrPersistence, err)
	}

	var rows []models.HistoryRow
	if err := db.Order("observed_at ASC, id ASC").Find(&rows).Error; err != nil {
		return models.NewSnapshot(), fmt.Errorf("%w: read history: %v", ErrPersistence, err)
	}

	snap := models.NewSnapshot()
	for _, s := range sensors {
		snap.Latest[s.SensorID] = s.Reading()
	}
	entries := make([]models.HistoryEntry, len(rows))
	for i, row := range rows {
		entries[i] = row.Entry()
	}
	snap.History = groupHistory(entries)

	return snap, nil
}

func (r *Relational) Status(context.Context) Status {
	return Status{Connected: database.IsConnected(r.db), Backing: BackendDatabase}
}

func (r *Relational) Close() error {
	return database.Close(r.db)
}
