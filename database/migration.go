package database

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"water_monitor/config"
	"water_monitor/logger"

	"gorm.io/gorm"
)

// versionLayout prefixes every migration file name
const versionLayout = "20060102_150405"

// AppliedMigration is the row recorded once a migration file has run
type AppliedMigration struct {
	Version   string    `gorm:"primaryKey;size:32"`
	Name      string    `gorm:"not null"`
	Checksum  string    `gorm:"size:64"`
	AppliedAt time.Time `gorm:"not null"`
}

// MigrationFile is a SQL file of the migration directory, joined with its
// applied row when there is one
type MigrationFile struct {
	Version   string
	Name      string
	Path      string
	Checksum  string
	AppliedAt *time.Time
	// Modified is set when the file changed after it was applied
	Modified bool
}

// Applied reports whether the file has already run
func (f MigrationFile) Applied() bool { return f.AppliedAt != nil }

// MigrationRunner applies the SQL files of the migration directory in version
// order, each with its bookkeeping row in one transaction
type MigrationRunner struct {
	db    *gorm.DB
	table string
	dir   string
}

// NewMigrationRunner creates a runner for the configured table and directory.
// db may be nil when only Create is used.
func NewMigrationRunner(db *gorm.DB, cfg *config.Config) *MigrationRunner {
	return &MigrationRunner{
		db:    db,
		table: cfg.Migration.MigrationTable,
		dir:   cfg.Migration.MigrationDir,
	}
}

// ParseMigrationName splits YYYYMMDD_HHMMSS_description.sql into its version
// and a readable name
func ParseMigrationName(filename string) (version, name string, err error) {
	base := strings.TrimSuffix(filename, ".sql")
	if len(base) <= len(versionLayout)+1 || base[len(versionLayout)] != '_' {
		return "", "", fmt.Errorf("invalid migration filename format: %s (expected: YYYYMMDD_HHMMSS_description.sql)", filename)
	}
	version = base[:len(versionLayout)]
	if _, err := time.Parse(versionLayout, version); err != nil {
		return "", "", fmt.Errorf("invalid migration version in %s: %w", filename, err)
	}
	return version, strings.ReplaceAll(base[len(versionLayout)+1:], "_", " "), nil
}

// Files lists the migration directory sorted by version
func (mr *MigrationRunner) Files() ([]MigrationFile, error) {
	entries, err := os.ReadDir(mr.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read migration directory: %w", err)
	}

	var files []MigrationFile
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".sql" {
			continue
		}
		version, name, err := ParseMigrationName(e.Name())
		if err != nil {
			return nil, err
		}
		path := filepath.Join(mr.dir, e.Name())
		sum, err := checksum(path)
		if err != nil {
			return nil, err
		}
		files = append(files, MigrationFile{Version: version, Name: name, Path: path, Checksum: sum})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Version < files[j].Version })
	return files, nil
}

func checksum(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read migration file: %w", err)
	}
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:]), nil
}

// Status joins every migration file with the applied rows. Files edited after
// they ran are flagged Modified and logged.
func (mr *MigrationRunner) Status() ([]MigrationFile, error) {
	if err := mr.db.Table(mr.table).AutoMigrate(&AppliedMigration{}); err != nil {
		return nil, fmt.Errorf("failed to initialize migration table: %w", err)
	}

	files, err := mr.Files()
	if err != nil {
		return nil, err
	}

	var rows []AppliedMigration
	if err := mr.db.Table(mr.table).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to read applied migrations: %w", err)
	}
	applied := make(map[string]AppliedMigration, len(rows))
	for _, row := range rows {
		applied[row.Version] = row
	}

	for i := range files {
		row, ok := applied[files[i].Version]
		if !ok {
			continue
		}
		at := row.AppliedAt
		files[i].AppliedAt = &at
		if row.Checksum != "" && row.Checksum != files[i].Checksum {
			files[i].Modified = true
			logger.Warnf("Migration %s was modified after it was applied", files[i].Version)
		}
	}
	return files, nil
}

// Run executes every pending migration in order and returns how many ran
func (mr *MigrationRunner) Run() (int, error) {
	files, err := mr.Status()
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, f := range files {
		if f.Applied() {
			continue
		}
		logger.Printf("Running migration: %s - %s", f.Version, f.Name)
		if err := mr.apply(f); err != nil {
			return ran, fmt.Errorf("failed to run migration %s: %w", f.Version, err)
		}
		ran++
	}
	return ran, nil
}

func (mr *MigrationRunner) apply(f MigrationFile) error {
	content, err := os.ReadFile(f.Path)
	if err != nil {
		return fmt.Errorf("failed to read migration file: %w", err)
	}

	return mr.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(string(content)).Error; err != nil {
			return fmt.Errorf("failed to execute migration SQL: %w", err)
		}
		row := AppliedMigration{Version: f.Version, Name: f.Name, Checksum: f.Checksum, AppliedAt: time.Now().UTC()}
		if err := tx.Table(mr.table).Create(&row).Error; err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}
		return nil
	})
}

// Create writes an empty, timestamped migration file for the sensors/history schema
func (mr *MigrationRunner) Create(name string) (string, error) {
	slug := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
	if slug == "" {
		return "", fmt.Errorf("migration name is required")
	}
	if err := os.MkdirAll(mr.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create migrations directory: %w", err)
	}

	now := time.Now()
	path := filepath.Join(mr.dir, fmt.Sprintf("%s_%s.sql", now.Format(versionLayout), slug))
	body := fmt.Sprintf("-- Migration: %s\n-- Created: %s\n\n"+
		"-- Tables managed by auto_migrate: sensors, history\n"+
		"-- ALTER TABLE history ADD COLUMN site VARCHAR(64);\n", name, now.Format(time.DateTime))

	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		return "", fmt.Errorf("failed to create migration file: %w", err)
	}
	return path, nil
}
