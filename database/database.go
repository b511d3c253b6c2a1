package database

import (
	"fmt"
	"log/slog"
	"time"

	"water_monitor/config"
	"water_monitor/logger"
	"water_monitor/models"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Dialector selects the gorm driver for the configured database
func Dialector(cfg *config.Config) (gorm.Dialector, error) {
	dsn := cfg.GetDSN()
	switch cfg.Database.Driver {
	case "mysql":
		return mysql.Open(dsn), nil
	case "postgres":
		return postgres.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}

// Connect opens the configured database, applies the pool settings and pings it
func Connect(cfg *config.Config) (*gorm.DB, error) {
	dialector, err := Dialector(cfg)
	if err != nil {
		return nil, err
	}

	// gorm writes through the process logger; only slow queries and errors
	gormConfig := &gorm.Config{
		Logger: gormlogger.New(
			slog.NewLogLogger(logger.Slog().Handler(), slog.LevelWarn),
			gormlogger.Config{
				SlowThreshold:             500 * time.Millisecond,
				LogLevel:                  gormlogger.Warn,
				IgnoreRecordNotFoundError: true,
			},
		),
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	pool := cfg.Database.ConnectionPool
	if pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(pool.ConnMaxLifetime) * time.Second)
	}

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.Migration.AutoMigrate {
		if err := AutoMigrate(db); err != nil {
			return nil, err
		}
	}

	return db, nil
}

// AutoMigrate creates or updates the sensors and history tables
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.GetAllModels()...); err != nil {
		return fmt.Errorf("failed to migrate models: %w", err)
	}
	return nil
}

// Close closes the database connection
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// IsConnected checks if database is reachable
func IsConnected(db *gorm.DB) bool {
	if db == nil {
		return false
	}

	sqlDB, err := db.DB()
	if err != nil {
		return false
	}

	return sqlDB.Ping() == nil
}

// GetDatabaseInfo returns information about the connected database
func GetDatabaseInfo(cfg *config.Config, db *gorm.DB) map[string]interface{} {
	info := make(map[string]interface{})
	info["driver"] = cfg.Database.Driver
	info["connected"] = IsConnected(db)

	if db != nil {
		if sqlDB, err := db.DB(); err == nil {
			stats := sqlDB.Stats()
			info["max_open_connections"] = stats.MaxOpenConnections
			info["open_connections"] = stats.OpenConnections
			info["in_use"] = stats.InUse
			info["idle"] = stats.Idle
		}
	}

	switch cfg.Database.Driver {
	case "mysql":
		info["host"] = cfg.Database.MySQL.Host
		info["port"] = cfg.Database.MySQL.Port
		info["database"] = cfg.Database.MySQL.DBName
	case "postgres":
		info["host"] = cfg.Database.PostgreSQL.Host
		info["port"] = cfg.Database.PostgreSQL.Port
		info["database"] = cfg.Database.PostgreSQL.DBName
	case "sqlite":
		info["path"] = cfg.Database.SQLite.Path
	}

	return info
}

// DataInfo summarizes the stored history for db:info
type DataInfo struct {
	Sensors  int64
	Records  int64
	Earliest time.Time
	Latest   time.Time
}

// GetDataInfo counts sensors and history rows and finds the covered time range
func GetDataInfo(db *gorm.DB) (DataInfo, error) {
	var info DataInfo

	if err := db.Model(&models.SensorRow{}).Count(&info.Sensors).Error; err != nil {
		return info, fmt.Errorf("failed to count sensors: %w", err)
	}
	if err := db.Model(&models.HistoryRow{}).Count(&info.Records).Error; err != nil {
		return info, fmt.Errorf("failed to count history: %w", err)
	}
	if info.Records == 0 {
		return info, nil
	}

	var first, last models.HistoryRow
	if err := db.Order("observed_at ASC").First(&first).Error; err != nil {
		return info, fmt.Errorf("failed to read history range: %w", err)
	}
	if err := db.Order("observed_at DESC").First(&last).Error; err != nil {
		return info, fmt.Errorf("failed to read history range: %w", err)
	}
	info.Earliest = first.ObservedAt
	info.Latest = last.ObservedAt

	return info, nil
}
