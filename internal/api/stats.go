package api

import (
	"time"

	"go.transitwatch.dev/core/internal/model"
)

type hourBucket struct {
	Hour         string  `json:"hour"`
	Count        int     `json:"count"`
	AvgSeverity  float64 `json:"avg_severity"`
	severitySum  float64
}

// computeStats builds spec.md §6's /anomalies/stats response from a
// window of anomalies already filtered to since.
func computeStats(anomalies []model.Anomaly, since time.Time) map[string]interface{} {
	today := time.Now().UTC().Truncate(24 * time.Hour)

	totalToday := 0
	totalActive := 0
	byType := map[string]int{}
	byLine := map[string]int{}
	severityDist := map[string]int{"low": 0, "medium": 0, "high": 0}
	buckets := map[string]*hourBucket{}
	var order []string

	for _, a := range anomalies {
		if !a.DetectedAt.Before(today) {
			totalToday++
		}
		if !a.Resolved {
			totalActive++
		}
		byType[string(a.Kind)]++
		if a.RouteID != "" {
			byLine[a.RouteID]++
		}
		severityDist[string(model.Bucket(a.Severity))]++

		key := a.DetectedAt.Truncate(time.Hour).Format(time.RFC3339)
		b, ok := buckets[key]
		if !ok {
			b = &hourBucket{Hour: key}
			buckets[key] = b
			order = append(order, key)
		}
		b.Count++
		b.severitySum += a.Severity
	}

	trend := make([]hourBucket, 0, len(order))
	for _, k := range order {
		b := buckets[k]
		if b.Count > 0 {
			b.AvgSeverity = b.severitySum / float64(b.Count)
		}
		trend = append(trend, *b)
	}

	return map[string]interface{}{
		"total_today":          totalToday,
		"total_active":         totalActive,
		"by_type":              byType,
		"by_line":              byLine,
		"severity_distribution": severityDist,
		"trend_24h":            trend,
	}
}
