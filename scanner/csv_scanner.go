package scanner

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"water_monitor/logger"
	"water_monitor/models"

	"gorm.io/gorm"
)

// utf8BOM is stripped from the first header cell of report exports
const utf8BOM = "\ufeff"

// CSVScanner imports flat history exports into the history table
type CSVScanner struct {
	db          *gorm.DB
	workerCount int
}

// FileJob represents a CSV file to be processed
type FileJob struct {
	FilePath string
	FileName string
}

// ProcessResult contains the result of processing a CSV file
type ProcessResult struct {
	FilePath    string
	RecordCount int
	ErrorCount  int
	Duration    time.Duration
	Error       error
}

// Summary totals a directory scan
type Summary struct {
	Files   int
	Failed  int
	Records int
	Errors  int
}

// NewCSVScanner creates a new CSV scanner
func NewCSVScanner(db *gorm.DB) *CSVScanner {
	// Default to number of CPU cores for parallel processing
	workerCount := runtime.NumCPU()
	if workerCount > 8 {
		workerCount = 8 // Limit to 8 workers to avoid overwhelming the database
	}

	return &CSVScanner{
		db:          db,
		workerCount: workerCount,
	}
}

// SetWorkerCount sets the number of parallel workers
func (cs *CSVScanner) SetWorkerCount(count int) {
	if count > 0 {
		cs.workerCount = count
	}
}

// ScanDirectory imports every CSV file of a directory (non-recursive) in parallel
func (cs *CSVScanner) ScanDirectory(directoryPath string) (Summary, error) {
	logger.Printf("Scanning directory: %s\n", directoryPath)

	if _, err := os.Stat(directoryPath); os.IsNotExist(err) {
		return Summary{}, fmt.Errorf("directory does not exist: %s", directoryPath)
	}

	csvFiles, err := cs.findCSVFiles(directoryPath)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to find CSV files: %w", err)
	}

	if len(csvFiles) == 0 {
		logger.Println("No CSV files found in the directory")
		return Summary{}, nil
	}

	logger.Printf("Found %d CSV file(s) to process\n", len(csvFiles))
	logger.Printf("Processing with %d parallel workers\n", cs.workerCount)

	results := cs.processFilesParallel(csvFiles)
	return cs.displaySummary(results), nil
}

// findCSVFiles finds all CSV files in the specified directory (non-recursive)
func (cs *CSVScanner) findCSVFiles(directoryPath string) ([]FileJob, error) {
	var csvFiles []FileJob

	entries, err := os.ReadDir(directoryPath)
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.ToLower(filepath.Ext(entry.Name())) == ".csv" {
			csvFiles = append(csvFiles, FileJob{
				FilePath: filepath.Join(directoryPath, entry.Name()),
				FileName: entry.Name(),
			})
		}
	}

	return csvFiles, nil
}

// processFilesParallel processes CSV files in parallel using worker goroutines
func (cs *CSVScanner) processFilesParallel(files []FileJob) []ProcessResult {
	jobs := make(chan FileJob, len(files))
	results := make(chan ProcessResult, len(files))

	var wg sync.WaitGroup
	for i := 0; i < cs.workerCount; i++ {
		wg.Add(1)
		go cs.worker(jobs, results, &wg)
	}

	go func() {
		for _, file := range files {
			jobs <- file
		}
		close(jobs)
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var allResults []ProcessResult
	for result := range results {
		allResults = append(allResults, result)
	}

	return allResults
}

// worker processes CSV files from the job channel
func (cs *CSVScanner) worker(jobs <-chan FileJob, results chan<- ProcessResult, wg *sync.WaitGroup) {
	defer wg.Done()

	for job := range jobs {
		results <- cs.processCSVFile(job)
	}
}

// processCSVFile imports a single CSV file
func (cs *CSVScanner) processCSVFile(job FileJob) ProcessResult {
	startTime := time.Now()
	result := ProcessResult{FilePath: job.FilePath}

	logger.Printf("Processing file: %s\n", job.FileName)

	file, err := os.Open(job.FilePath)
	if err != nil {
		result.Error = fmt.Errorf("failed to open file: %w", err)
		result.Duration = time.Since(startTime)
		return result
	}
	defer file.Close()

	rows, errorCount, err := ParseHistoryCSV(file, job.FileName)
	if err != nil {
		result.Error = err
		result.Duration = time.Since(startTime)
		return result
	}
	result.RecordCount = len(rows)
	result.ErrorCount = errorCount

	if len(rows) > 0 {
		if err := cs.batchInsert(rows); err != nil {
			result.Error = fmt.Errorf("failed to insert data: %w", err)
			result.Duration = time.Since(startTime)
			return result
		}
	}

	result.Duration = time.Since(startTime)
	logger.Printf("✓ Completed %s: %d records processed, %d errors in %v\n",
		job.FileName, result.RecordCount, result.ErrorCount, result.Duration)

	return result
}

// columns maps header names to indexes; the flat export layout is the default
type columns struct {
	timestamp, sensorID, hora, flow, total, storage int
}

var flatColumns = columns{0, 1, 2, 3, 4, 5}

func columnsFrom(header []string) columns {
	c := columns{-1, -1, -1, -1, -1, -1}
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "timestamp", "ultima_actualizacion":
			c.timestamp = i
		case "sensor_id", "sensorid":
			c.sensorID = i
		case "hora", "display_time":
			c.hora = i
		case "caudal_min", "flow_rate_l_min":
			c.flow = i
		case "total_acumulado", "accumulated_volume_l":
			c.total = i
		case "storage":
			c.storage = i
		}
	}
	return c
}

// ParseHistoryCSV reads a flat history export. Malformed rows are counted
// and skipped; only an unreadable or empty file is an error.
func ParseHistoryCSV(r io.Reader, fileName string) ([]models.HistoryRow, int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // Allow variable number of fields

	records, err := reader.ReadAll()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, 0, fmt.Errorf("empty CSV file")
	}
	records[0][0] = strings.TrimPrefix(records[0][0], utf8BOM)

	cols := flatColumns
	startRow := 0
	if isHeaderRow(records[0]) {
		cols = columnsFrom(records[0])
		startRow = 1
	}
	if cols.timestamp < 0 || cols.sensorID < 0 || cols.flow < 0 {
		return nil, 0, fmt.Errorf("missing timestamp, sensor_id or caudal_min column")
	}

	var rows []models.HistoryRow
	var errorCount int

	field := func(record []string, i int) string {
		if i < 0 || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	for i := startRow; i < len(records); i++ {
		record := records[i]

		if len(record) == 0 || (len(record) == 1 && strings.TrimSpace(record[0]) == "") {
			continue
		}

		timestampStr := field(record, cols.timestamp)
		timestamp, err := parseTimestamp(timestampStr)
		if err != nil {
			errorCount++
			logger.Warnf("Row %d in %s has invalid timestamp format: %s\n", i+1, fileName, timestampStr)
			continue
		}

		sensorID := field(record, cols.sensorID)
		if sensorID == "" {
			errorCount++
			logger.Warnf("Row %d in %s has empty sensor id\n", i+1, fileName)
			continue
		}

		flowStr := field(record, cols.flow)
		flow, err := strconv.ParseFloat(flowStr, 64)
		if err != nil {
			errorCount++
			logger.Warnf("Row %d in %s has invalid caudal_min: %s\n", i+1, fileName, flowStr)
			continue
		}

		var total float64
		if totalStr := field(record, cols.total); totalStr != "" {
			if total, err = strconv.ParseFloat(totalStr, 64); err != nil {
				errorCount++
				logger.Warnf("Row %d in %s has invalid total_acumulado: %s\n", i+1, fileName, totalStr)
				continue
			}
		}

		storage := field(record, cols.storage)
		if storage == "" {
			storage = "import"
		}

		rows = append(rows, models.HistoryRow{
			SensorID:          sensorID,
			ObservedAt:        timestamp.UTC(),
			FlowRate:          flow,
			AccumulatedVolume: total,
			TimeLabel:         field(record, cols.hora),
			StorageTag:        storage,
		})
	}

	return rows, errorCount, nil
}

func parseTimestamp(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// isHeaderRow checks if the first row is likely a header
func isHeaderRow(row []string) bool {
	firstCol := strings.ToLower(strings.TrimSpace(row[0]))
	for _, word := range []string{"timestamp", "time", "date", "ultima_actualizacion"} {
		if strings.Contains(firstCol, word) {
			return true
		}
	}

	// Try to parse as timestamp - if it fails, it's likely a header
	_, err := parseTimestamp(strings.TrimSpace(row[0]))
	return err != nil
}

// batchInsert inserts history rows in batches to improve performance
func (cs *CSVScanner) batchInsert(data []models.HistoryRow) error {
	const batchSize = 1000

	for i := 0; i < len(data); i += batchSize {
		end := i + batchSize
		if end > len(data) {
			end = len(data)
		}

		batch := data[i:end]
		if err := cs.db.CreateInBatches(batch, batchSize).Error; err != nil {
			// If batch insert fails, try individual inserts to identify problematic records
			if err := cs.individualInsert(batch); err != nil {
				return err
			}
		}
	}

	return nil
}

// individualInsert attempts to insert records individually when batch insert fails
func (cs *CSVScanner) individualInsert(data []models.HistoryRow) error {
	var lastError error
	successCount := 0

	for _, record := range data {
		record.ID = 0
		if err := cs.db.Create(&record).Error; err != nil {
			lastError = err
			logger.Warnf("Failed to insert reading of sensor %s at %s: %v\n",
				record.SensorID, record.ObservedAt.Format(time.RFC3339), err)
		} else {
			successCount++
		}
	}

	if successCount == 0 && lastError != nil {
		return fmt.Errorf("failed to insert any records: %w", lastError)
	}

	if lastError != nil {
		logger.Printf("Inserted %d out of %d records with some errors\n", successCount, len(data))
	}

	return nil
}

// displaySummary logs and totals the processing results
func (cs *CSVScanner) displaySummary(results []ProcessResult) Summary {
	logger.Println("\n" + strings.Repeat("=", 60))
	logger.Println("PROCESSING SUMMARY")
	logger.Println(strings.Repeat("=", 60))

	var s Summary
	totalDuration := time.Duration(0)

	for _, result := range results {
		s.Files++
		if result.Error != nil {
			s.Failed++
			logger.Printf("❌ %s: FAILED - %v\n", filepath.Base(result.FilePath), result.Error)
		} else {
			s.Records += result.RecordCount
			s.Errors += result.ErrorCount
			logger.Printf("✅ %s: %d records, %d errors (%v)\n",
				filepath.Base(result.FilePath), result.RecordCount, result.ErrorCount, result.Duration)
		}
		totalDuration += result.Duration
	}

	logger.Println(strings.Repeat("-", 60))
	logger.Printf("Total files processed: %d\n", s.Files)
	logger.Printf("Successful: %d\n", s.Files-s.Failed)
	logger.Printf("Failed: %d\n", s.Failed)
	logger.Printf("Total records imported: %d\n", s.Records)
	logger.Printf("Total parsing errors: %d\n", s.Errors)
	logger.Printf("Total processing time: %v\n", totalDuration)
	logger.Println(strings.Repeat("=", 60))

	return s
}
