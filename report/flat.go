package report

import (
	"encoding/csv"
	"io"
	"time"

	"water_monitor/models"
)

// FlatHeader is the column layout of the flat history export
var FlatHeader = []string{"timestamp", "sensor_id", "hora", "caudal_min", "total_acumulado", "storage"}

// WriteFlatCSV writes entries as one row each, no BOM. The scan command
// reads this layout back.
func WriteFlatCSV(w io.Writer, entries []models.HistoryEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(FlatHeader); err != nil {
		return err
	}
	for _, e := range entries {
		err := cw.Write([]string{
			e.ObservedAt.UTC().Format(time.RFC3339Nano),
			e.SensorID,
			e.TimeLabel,
			num(e.FlowRate),
			num(e.AccumulatedVolume),
			e.StorageTag,
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
