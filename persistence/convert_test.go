package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const legacySensors = `{
  "1": {"sensor_id": "1", "caudal_min": 5000, "total_acumulado": 250000, "hora": "10:00"},
  "2": {"sensor_id": "2", "caudal_min": 4.5, "total_acumulado": 12, "hora": "10:00"}
}`

const legacyHistory = `[
  {"sensor_id": "1", "caudal": 1500, "total": 999, "flow_ml": 20, "hora": "09:00", "readings": [3000, 4000]}
]`

func writeLegacy(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, SensorsFile), []byte(legacySensors), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, HistoryFile), []byte(legacyHistory), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("caudal_min 5000"), 0644))
	return dir
}

func changesByFile(results []FileConversion) map[string][]ValueChange {
	out := make(map[string][]ValueChange)
	for _, r := range results {
		out[filepath.Base(r.File)] = r.Changes
	}
	return out
}

func TestConvertPreviewLeavesFiles(t *testing.T) {
	dir := writeLegacy(t)

	results, err := ConvertMillilitres(dir, ConvertOptions{})
	require.NoError(t, err)
	require.Len(t, results, 2)

	changes := changesByFile(results)
	require.Equal(t, []ValueChange{
		{Path: "1.caudal_min", Old: 5000, New: 5},
		{Path: "1.total_acumulado", Old: 250000, New: 250},
	}, changes[SensorsFile])
	// total 999 is under the threshold, flow_ml 20 too, array items have no key
	require.Equal(t, []ValueChange{
		{Path: "[0].caudal", Old: 1500, New: 1.5},
	}, changes[HistoryFile])

	data, err := os.ReadFile(filepath.Join(dir, SensorsFile))
	require.NoError(t, err)
	require.Equal(t, legacySensors, string(data))
}

func TestConvertApplyWritesBackup(t *testing.T) {
	dir := writeLegacy(t)

	results, err := ConvertMillilitres(dir, ConvertOptions{Apply: true})
	require.NoError(t, err)

	for _, r := range results {
		require.NoError(t, r.Err)
		require.NotEmpty(t, r.Backup)
		require.True(t, strings.HasPrefix(filepath.Base(r.Backup), filepath.Base(r.File)+".bak."))
		backup, err := os.ReadFile(r.Backup)
		require.NoError(t, err)
		require.Contains(t, string(backup), "caudal")
	}

	var sensors map[string]map[string]any
	data, err := os.ReadFile(filepath.Join(dir, SensorsFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &sensors))
	require.Equal(t, 5.0, sensors["1"]["caudal_min"])
	require.Equal(t, 250.0, sensors["1"]["total_acumulado"])
	require.Equal(t, 4.5, sensors["2"]["caudal_min"])

	// converted values are under the threshold now, so a rerun is a no-op
	results, err = ConvertMillilitres(dir, ConvertOptions{Apply: true})
	require.NoError(t, err)
	for _, r := range results {
		require.Empty(t, r.Changes)
	}
}

func TestConvertForceAndThreshold(t *testing.T) {
	dir := writeLegacy(t)

	results, err := ConvertMillilitres(dir, ConvertOptions{Force: true})
	require.NoError(t, err)
	changes := changesByFile(results)
	require.Len(t, changes[SensorsFile], 4)
	require.Len(t, changes[HistoryFile], 3)

	results, err = ConvertMillilitres(dir, ConvertOptions{Threshold: 10})
	require.NoError(t, err)
	changes = changesByFile(results)
	require.Len(t, changes[SensorsFile], 3)
	require.Equal(t, "2.total_acumulado", changes[SensorsFile][2].Path)
}

func TestConvertReportsParseErrors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0644))

	results, err := ConvertMillilitres(dir, ConvertOptions{Apply: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.ErrorContains(t, results[0].Err, "JSON parse error")

	_, err = ConvertMillilitres(filepath.Join(dir, "missing"), ConvertOptions{})
	require.Error(t, err)
}
