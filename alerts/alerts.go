// Package alerts derives dashboard alerts from the latest reading of each sensor.
package alerts

import (
	"fmt"
	"time"

	"water_monitor/config"
	"water_monitor/models"
)

// Level is the severity of an alert
type Level string

const (
	Critical Level = "critical"
	Warning  Level = "warning"
)

// Rule raises an alert when Value(reading) is strictly above Limit
type Rule struct {
	Kind  string
	Level Level
	Title string
	Limit float64
	Value func(models.Reading) float64
}

// Alert is one raised rule for one sensor
type Alert struct {
	ID         string    `json:"id"`
	Level      Level     `json:"level"`
	Title      string    `json:"title"`
	SensorID   string    `json:"sensor_id"`
	Value      float64   `json:"value"`
	Limit      float64   `json:"limit"`
	TimeLabel  string    `json:"hora"`
	ObservedAt time.Time `json:"ultima_actualizacion"`
}

// DefaultRules builds the high flow and high accumulated volume rules
func DefaultRules(cfg config.AlertsConfig) []Rule {
	return []Rule{
		{
			Kind:  "high-flow",
			Level: Critical,
			Title: "High flow",
			Limit: cfg.CriticalFlow,
			Value: func(r models.Reading) float64 { return r.FlowRate },
		},
		{
			Kind:  "high-total",
			Level: Warning,
			Title: "High accumulated volume",
			Limit: cfg.WarningAccumulated,
			Value: func(r models.Reading) float64 { return r.AccumulatedVolume },
		},
	}
}

// Evaluate checks every reading against every rule, in reading order then rule order
func Evaluate(latest []models.Reading, rules []Rule) []Alert {
	out := []Alert{}
	for _, r := range latest {
		for _, rule := range rules {
			v := rule.Value(r)
			if v <= rule.Limit {
				continue
			}
			out = append(out, Alert{
				ID:         fmt.Sprintf("%s-%s", rule.Kind, r.SensorID),
				Level:      rule.Level,
				Title:      rule.Title,
				SensorID:   r.SensorID,
				Value:      v,
				Limit:      rule.Limit,
				TimeLabel:  r.TimeLabel,
				ObservedAt: r.ObservedAt,
			})
		}
	}
	return out
}
