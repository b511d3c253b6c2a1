package persistence

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"water_monitor/ingest"
	"water_monitor/logger"
)

// DefaultConvertThreshold is the smallest magnitude assumed to be millilitres
const DefaultConvertThreshold = 1000

var volumeKeys = map[string]bool{
	"caudal_min":      true,
	"total_acumulado": true,
	"caudal":          true,
	"total":           true,
}

// ConvertOptions controls ConvertMillilitres
type ConvertOptions struct {
	// Apply writes the converted files; otherwise only the report is produced
	Apply bool
	// Force converts every matching key regardless of Threshold
	Force     bool
	Threshold float64
}

// ValueChange is one converted number inside a JSON document
type ValueChange struct {
	Path string
	Old  float64
	New  float64
}

// FileConversion is the outcome for one file of the data directory
type FileConversion struct {
	File    string
	Changes []ValueChange
	Backup  string
	Err     error
}

// ConvertMillilitres finds volume fields still stored in millilitres in the
// JSON files of dir and converts them to litres. Matching keys are caudal_min,
// total_acumulado, caudal, total and anything ending in _ml. Files are only
// rewritten with Apply, after a .bak.<timestamp> copy is made.
func ConvertMillilitres(dir string, opts ConvertOptions) ([]FileConversion, error) {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultConvertThreshold
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	var results []FileConversion
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		results = append(results, convertFile(filepath.Join(dir, entry.Name()), opts))
	}
	return results, nil
}

func convertFile(path string, opts ConvertOptions) FileConversion {
	result := FileConversion{File: path}

	f, err := os.Open(path)
	if err != nil {
		result.Err = err
		return result
	}
	dec := json.NewDecoder(f)
	dec.UseNumber()
	var doc any
	err = dec.Decode(&doc)
	f.Close()
	if err != nil {
		result.Err = fmt.Errorf("JSON parse error: %w", err)
		return result
	}

	doc = convertValue(doc, "", "", opts, &result.Changes)

	if !opts.Apply || len(result.Changes) == 0 {
		return result
	}

	original, err := os.ReadFile(path)
	if err != nil {
		result.Err = err
		return result
	}
	backup := path + ".bak." + time.Now().UTC().Format("20060102T150405Z")
	if err := os.WriteFile(backup, original, 0644); err != nil {
		result.Err = fmt.Errorf("backup failed: %w", err)
		return result
	}
	result.Backup = backup

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		result.Err = err
		return result
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		result.Err = err
		return result
	}

	logger.Printf("Converted %s (backup: %s) - %d change(s)", filepath.Base(path), filepath.Base(backup), len(result.Changes))
	return result
}

// convertValue walks v and returns it with matching numbers converted
func convertValue(v any, key, path string, opts ConvertOptions, changes *[]ValueChange) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t[k] = convertValue(t[k], k, joinPath(path, k), opts, changes)
		}
		return t
	case []any:
		for i := range t {
			t[i] = convertValue(t[i], "", fmt.Sprintf("%s[%d]", path, i), opts, changes)
		}
		return t
	case json.Number:
		if !isVolumeKey(key) {
			return t
		}
		n, err := t.Float64()
		if err != nil || math.IsInf(n, 0) || math.IsNaN(n) {
			return t
		}
		if !opts.Force && math.Abs(n) < opts.Threshold {
			return t
		}
		litres := ingest.ToLitres(n)
		*changes = append(*changes, ValueChange{Path: path, Old: n, New: litres})
		return litres
	default:
		return v
	}
}

func isVolumeKey(key string) bool {
	return volumeKeys[key] || strings.HasSuffix(key, "_ml")
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
