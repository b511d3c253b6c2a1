package scanner

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"water_monitor/models"
	"water_monitor/report"
)

func testDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "scan.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.GetAllModels()...))

	// sqlite allows one writer; workers queue on the single connection
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	return db
}

func exported(t *testing.T, sensorID string, n int) []byte {
	at := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	entries := make([]models.HistoryEntry, n)
	for i := range entries {
		ts := at.Add(time.Duration(i) * 3 * time.Second)
		entries[i] = models.HistoryEntry{
			Reading: models.Reading{
				SensorID: sensorID, FlowRate: float64(i) + 0.5, AccumulatedVolume: float64(i * 2),
				TimeLabel: ts.Format("15:04:05"), ObservedAt: ts,
			},
			StorageTag: "file",
		}
	}
	var buf bytes.Buffer
	require.NoError(t, report.WriteFlatCSV(&buf, entries))
	return buf.Bytes()
}

func TestParseHistoryCSV(t *testing.T) {
	rows, errs, err := ParseHistoryCSV(bytes.NewReader(exported(t, "1", 3)), "a.csv")
	require.NoError(t, err)
	require.Zero(t, errs)
	require.Len(t, rows, 3)
	require.Equal(t, "1", rows[2].SensorID)
	require.Equal(t, 2.5, rows[2].FlowRate)
	require.Equal(t, 4.0, rows[2].AccumulatedVolume)
	require.Equal(t, "08:00:06", rows[2].TimeLabel)
	require.Equal(t, "file", rows[2].StorageTag)
	require.True(t, rows[2].ObservedAt.Equal(time.Date(2025, 6, 1, 8, 0, 6, 0, time.UTC)))
}

func TestParseHistoryCSVSkipsBadRows(t *testing.T) {
	in := "\ufefftimestamp,sensor_id,caudal_min\n" +
		"2025-06-01T08:00:00Z,1,1.5\n" +
		"yesterday,1,1.5\n" +
		"2025-06-01T08:00:03Z,,1.5\n" +
		"2025-06-01T08:00:06Z,1,lots\n" +
		"2025-06-01 08:00:09,2,3\n"

	rows, errs, err := ParseHistoryCSV(strings.NewReader(in), "b.csv")
	require.NoError(t, err)
	require.Equal(t, 3, errs)
	require.Len(t, rows, 2)
	require.Equal(t, "import", rows[0].StorageTag)
	require.Equal(t, "2", rows[1].SensorID)
}

func TestParseHistoryCSVWithoutHeader(t *testing.T) {
	rows, errs, err := ParseHistoryCSV(strings.NewReader("2025-06-01T08:00:00Z,4,08:00:00,2,10,memory\n"), "c.csv")
	require.NoError(t, err)
	require.Zero(t, errs)
	require.Len(t, rows, 1)
	require.Equal(t, "4", rows[0].SensorID)
	require.Equal(t, "memory", rows[0].StorageTag)
}

func TestParseHistoryCSVRejectsUnknownLayout(t *testing.T) {
	_, _, err := ParseHistoryCSV(strings.NewReader("timestamp,sensor_name,value\n"), "d.csv")
	require.Error(t, err)

	_, _, err = ParseHistoryCSV(strings.NewReader(""), "e.csv")
	require.ErrorContains(t, err, "empty CSV file")
}

func TestScanDirectory(t *testing.T) {
	db := testDB(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "s1.csv"), exported(t, "1", 5), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "s2.CSV"), exported(t, "2", 4), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip me"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0755))

	cs := NewCSVScanner(db)
	cs.SetWorkerCount(2)
	summary, err := cs.ScanDirectory(dir)
	require.NoError(t, err)
	require.Equal(t, Summary{Files: 2, Records: 9}, summary)

	var count int64
	require.NoError(t, db.Model(&models.HistoryRow{}).Count(&count).Error)
	require.Equal(t, int64(9), count)

	var sensor2 int64
	require.NoError(t, db.Model(&models.HistoryRow{}).Where("sensor_id = ?", "2").Count(&sensor2).Error)
	require.Equal(t, int64(4), sensor2)
}

func TestScanMissingDirectory(t *testing.T) {
	_, err := NewCSVScanner(testDB(t)).ScanDirectory(filepath.Join(t.TempDir(), "missing"))
	require.ErrorContains(t, err, "directory does not exist")
}
