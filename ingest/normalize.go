package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidMeasurement is returned for payloads rejected at the ingestion boundary
var ErrInvalidMeasurement = errors.New("invalid measurement")

// NegativePolicy decides what happens to negative flow or volume values
type NegativePolicy string

const (
	NegativeAccept NegativePolicy = "accept"
	NegativeClamp  NegativePolicy = "clamp"
	NegativeReject NegativePolicy = "reject"
)

// Measurement is a flow/volume pair in litres
type Measurement struct {
	FlowRate          float64
	AccumulatedVolume float64
}

// ToLitres converts millilitres to litres rounded to 3 decimals. Every mL->L
// conversion in the repo goes through here.
func ToLitres(ml float64) float64 {
	return math.Round(ml) / 1000
}

// Normalize parses raw sensor values (mL) and converts them to litres with
// negative values passed through unchanged.
func Normalize(rawFlow, rawAccum any) (Measurement, error) {
	return Normalizer{Policy: NegativeAccept}.Normalize(rawFlow, rawAccum)
}

// Normalizer applies the unit conversion with a configured negative policy
type Normalizer struct {
	Policy NegativePolicy
}

// Normalize parses both inputs, converts them to litres and applies the policy
func (n Normalizer) Normalize(rawFlow, rawAccum any) (Measurement, error) {
	flow, err := parseNumber("caudal_min", rawFlow)
	if err != nil {
		return Measurement{}, err
	}
	accum, err := parseNumber("total_acumulado", rawAccum)
	if err != nil {
		return Measurement{}, err
	}

	m := Measurement{
		FlowRate:          ToLitres(flow),
		AccumulatedVolume: ToLitres(accum),
	}

	switch n.Policy {
	case NegativeReject:
		if m.FlowRate < 0 {
			return Measurement{}, fmt.Errorf("%w: caudal_min must not be negative", ErrInvalidMeasurement)
		}
		if m.AccumulatedVolume < 0 {
			return Measurement{}, fmt.Errorf("%w: total_acumulado must not be negative", ErrInvalidMeasurement)
		}
	case NegativeClamp:
		m.FlowRate = math.Max(m.FlowRate, 0)
		m.AccumulatedVolume = math.Max(m.AccumulatedVolume, 0)
	}

	return m, nil
}

// parseNumber accepts the shapes a decoded JSON body can carry
func parseNumber(field string, raw any) (float64, error) {
	var v float64
	switch x := raw.(type) {
	case nil:
		return 0, fmt.Errorf("%w: %s is required", ErrInvalidMeasurement, field)
	case float64:
		v = x
	case float32:
		v = float64(x)
	case int:
		v = float64(x)
	case int64:
		v = float64(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be numeric", ErrInvalidMeasurement, field)
		}
		v = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be numeric", ErrInvalidMeasurement, field)
		}
		v = f
	default:
		return 0, fmt.Errorf("%w: %s must be numeric", ErrInvalidMeasurement, field)
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s must be finite", ErrInvalidMeasurement, field)
	}
	return v, nil
}
