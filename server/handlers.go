package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"water_monitor/alerts"
	"water_monitor/ingest"
	"water_monitor/logger"
	"water_monitor/metrics"
	"water_monitor/report"
	"water_monitor/trend"
)

const dateOnly = "2006-01-02"

func (s *Server) now() time.Time {
	return s.config.Now().In(s.config.Location)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": msg})
}

// internalError logs the detail and answers with a generic message
func internalError(c *gin.Context, err error) {
	logger.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal server error"})
}

func (s *Server) handleIngest(c *gin.Context) {
	dec := json.NewDecoder(c.Request.Body)
	dec.UseNumber()

	var body map[string]any
	if err := dec.Decode(&body); err != nil || body == nil {
		metrics.ReadingsRejected.WithLabelValues("http").Inc()
		badRequest(c, "request body must be a JSON object")
		return
	}

	reading, err := s.config.Ingester.Ingest(c.Request.Context(), "http", body)
	switch {
	case errors.Is(err, ingest.ErrInvalidMeasurement):
		badRequest(c, err.Error())
		return
	case err != nil:
		internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "reading stored",
		"data":    reading,
	})
}

func (s *Server) handleDashboard(c *gin.Context) {
	latest := s.config.Store.LatestAll()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"count":   len(latest),
		"data":    latest,
	})
}

func (s *Server) handleReports(c *gin.Context) {
	history := s.config.Store.HistoryAll()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"count":   len(history),
		"data":    history,
	})
}

func (s *Server) handleAverageYesterday(c *gin.Context) {
	sensorID := c.Query("sensor_id")
	mode := trend.Mode(c.DefaultQuery("mode", string(trend.ModeRolling)))
	history := s.config.Store.HistoryAll()

	switch mode {
	case trend.ModeRolling:
		res := trend.RollingAverage(history, sensorID, s.now())
		out := gin.H{
			"success":         true,
			"mode":            mode,
			"average":         res.Average,
			"samples":         res.Samples,
			"previousAverage": res.PreviousAverage,
			"previousSamples": res.PreviousSamples,
		}
		if change, ok := trend.PercentChange(res.Average, res.PreviousAverage); ok {
			out["percentChange"] = change
		}
		c.JSON(http.StatusOK, out)
	case trend.ModeCalendar:
		res := trend.CalendarYesterdayAverage(history, sensorID, s.now())
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"mode":    mode,
			"average": res.Average,
			"samples": res.Samples,
			"from":    res.From,
			"to":      res.To,
		})
	default:
		badRequest(c, fmt.Sprintf("unknown mode %q, expected %s or %s", mode, trend.ModeRolling, trend.ModeCalendar))
	}
}

func (s *Server) handleGenerateReport(c *gin.Context) {
	entries := report.Filter(s.config.Store.HistoryAll(), c.Query("sensor_id"), time.Time{}, time.Time{})

	var buf bytes.Buffer
	if err := report.WriteFlatCSV(&buf, entries); err != nil {
		internalError(c, err)
		return
	}
	metrics.ReportsGenerated.WithLabelValues("flat").Inc()

	filename := fmt.Sprintf("water-history-%s.csv", s.now().Format("20060102-150405"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}

// parseBound accepts RFC3339 or a bare date in loc. A bare end date
// includes that whole day.
func parseBound(value string, end bool, loc *time.Location) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(dateOnly, value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC3339 or %s, got %q", dateOnly, value)
	}
	if end {
		t = t.AddDate(0, 0, 1)
	}
	return t, nil
}

func (s *Server) handleProfessionalReport(c *gin.Context) {
	threshold := s.config.Threshold
	if raw := c.Query("threshold"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			badRequest(c, "threshold must be a non-negative number")
			return
		}
		threshold = v
	}

	from, err := parseBound(c.Query("start"), false, s.config.Location)
	if err != nil {
		badRequest(c, "invalid start: "+err.Error())
		return
	}
	to, err := parseBound(c.Query("end"), true, s.config.Location)
	if err != nil {
		badRequest(c, "invalid end: "+err.Error())
		return
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		badRequest(c, "start must be before end")
		return
	}

	entries := report.Filter(s.config.Store.HistoryAll(), c.Query("sensor_id"), from, to)
	artifact, err := report.Build(entries, threshold, report.FormatCSV)
	switch {
	case errors.Is(err, report.ErrInsufficientData):
		badRequest(c, "insufficient data: no readings in the requested range")
		return
	case err != nil:
		internalError(c, err)
		return
	}

	var pdf any
	if s.config.Renderer != nil {
		doc, err := s.config.Renderer.Render(c.Request.Context(), artifact)
		if err != nil {
			internalError(c, fmt.Errorf("render report %s: %w", artifact.ID, err))
			return
		}
		pdf = base64.StdEncoding.EncodeToString(doc)
	}
	metrics.ReportsGenerated.WithLabelValues("professional").Inc()

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"id":          artifact.ID,
		"generatedAt": artifact.GeneratedAt,
		"pdf":         pdf,
		"csv":         string(artifact.Content),
		"chart":       string(artifact.Chart),
		"narrative":   artifact.Narrative,
		"stats":       artifact.Summary,
	})
}

func (s *Server) handleAlerts(c *gin.Context) {
	raised := alerts.Evaluate(s.config.Store.LatestAll(), s.config.Rules)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"count":   len(raised),
		"data":    raised,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"timestamp":        s.config.Now().UTC(),
		"sensores_activos": s.config.Store.SensorCount(),
	})
}

func (s *Server) handleDBStatus(c *gin.Context) {
	status := s.config.Backend.Status(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"dbConnected": status.Connected,
		"dbBacking":   status.Backing,
	})
}
