package report

import (
	"bytes"
	"fmt"
	"html"
	"sort"
	"time"

	"water_monitor/models"
)

var seriesColors = []string{"#1f77b4", "#ff7f0e", "#2ca02c", "#9467bd", "#8c564b"}

// Chart draws flow over time as an SVG, one line per sensor, with the
// threshold as a dashed red line
func Chart(entries []models.HistoryEntry, threshold float64) []byte {
	const (
		width   = 800
		height  = 400
		padding = 40
	)

	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("<svg xmlns=\"http://www.w3.org/2000/svg\" width=\"%d\" height=\"%d\">\n", width, height))
	buf.WriteString(fmt.Sprintf("<rect width=\"%d\" height=\"%d\" fill=\"white\"/>\n", width, height))

	if len(entries) == 0 {
		buf.WriteString("</svg>")
		return buf.Bytes()
	}

	first, last := entries[0].ObservedAt, entries[0].ObservedAt
	maxFlow := threshold
	bySensor := make(map[string][]models.HistoryEntry)
	for _, e := range entries {
		if e.ObservedAt.Before(first) {
			first = e.ObservedAt
		}
		if e.ObservedAt.After(last) {
			last = e.ObservedAt
		}
		if e.FlowRate > maxFlow {
			maxFlow = e.FlowRate
		}
		bySensor[e.SensorID] = append(bySensor[e.SensorID], e)
	}
	if maxFlow <= 0 {
		maxFlow = 1
	}
	maxFlow *= 1.1
	span := last.Sub(first)
	if span <= 0 {
		span = time.Second
	}

	plotW, plotH := float64(width-2*padding), float64(height-2*padding)
	timeToX := func(t time.Time) float64 {
		return padding + float64(t.Sub(first))/float64(span)*plotW
	}
	flowToY := func(v float64) float64 {
		return padding + plotH - v/maxFlow*plotH
	}

	// horizontal grid every fifth of the range
	buf.WriteString("<g stroke=\"#ddd\" stroke-width=\"1\" font-size=\"10\" fill=\"#555\">\n")
	for i := 0; i <= 5; i++ {
		v := maxFlow * float64(i) / 5
		y := flowToY(v)
		buf.WriteString(fmt.Sprintf("<line x1=\"%d\" y1=\"%.1f\" x2=\"%d\" y2=\"%.1f\"/>\n", padding, y, width-padding, y))
		buf.WriteString(fmt.Sprintf("<text x=\"2\" y=\"%.1f\" stroke=\"none\">%.2f</text>\n", y+3, v))
	}
	buf.WriteString("</g>\n")

	ty := flowToY(threshold)
	buf.WriteString(fmt.Sprintf("<line x1=\"%d\" y1=\"%.1f\" x2=\"%d\" y2=\"%.1f\" stroke=\"#d62728\" stroke-dasharray=\"6,4\"/>\n",
		padding, ty, width-padding, ty))

	ids := make([]string, 0, len(bySensor))
	for id := range bySensor {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for i, id := range ids {
		series := bySensor[id]
		sort.SliceStable(series, func(a, b int) bool { return series[a].ObservedAt.Before(series[b].ObservedAt) })

		buf.WriteString(fmt.Sprintf("<polyline fill=\"none\" stroke=\"%s\" stroke-width=\"1.5\" data-sensor=\"%s\" points=\"",
			seriesColors[i%len(seriesColors)], html.EscapeString(id)))
		for j, e := range series {
			if j > 0 {
				buf.WriteString(" ")
			}
			buf.WriteString(fmt.Sprintf("%.1f,%.1f", timeToX(e.ObservedAt), flowToY(e.FlowRate)))
		}
		buf.WriteString("\"/>\n")
	}

	buf.WriteString("</svg>")
	return buf.Bytes()
}
