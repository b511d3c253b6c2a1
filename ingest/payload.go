package ingest

import (
	"fmt"
	"strconv"
	"strings"
)

// Field precedence for payloads sent by different firmware revisions and
// dashboard tooling. The first key present with a non-null value wins.
var (
	sensorIDKeys  = []string{"sensor_id", "sensorId", "id"}
	flowKeys      = []string{"caudal_min", "caudal", "flow", "value"}
	accumKeys     = []string{"total_acumulado", "total", "volume"}
	timeLabelKeys = []string{"hora", "time"}
)

// Payload is a raw ingestion request with its fields resolved but not yet
// converted to litres
type Payload struct {
	SensorID  string
	RawFlow   any
	RawAccum  any
	TimeLabel string
}

func lookup(body map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := body[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// HasSensorID reports whether body names its sensor under any accepted key
func HasSensorID(body map[string]any) bool {
	_, ok := lookup(body, sensorIDKeys)
	return ok
}

// ParsePayload resolves the logical fields of a decoded JSON body
func ParsePayload(body map[string]any) (Payload, error) {
	var p Payload

	id, ok := lookup(body, sensorIDKeys)
	if !ok {
		return p, fmt.Errorf("%w: sensor_id is required", ErrInvalidMeasurement)
	}
	p.SensorID = strings.TrimSpace(stringify(id))
	if p.SensorID == "" {
		return p, fmt.Errorf("%w: sensor_id is required", ErrInvalidMeasurement)
	}

	flow, okFlow := lookup(body, flowKeys)
	accum, okAccum := lookup(body, accumKeys)
	label, okLabel := lookup(body, timeLabelKeys)
	if !okFlow || !okAccum || !okLabel {
		return p, fmt.Errorf("%w: caudal_min, total_acumulado and hora are required", ErrInvalidMeasurement)
	}

	p.RawFlow = flow
	p.RawAccum = accum
	p.TimeLabel = stringify(label)
	return p, nil
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
