package transform

import (
	"strings"

	"github.com/vitalsink/ingestd/internal/domain"
)

var heartMetrics = map[string]string{
	"heart_rate":              "bpm",
	"heartrate":               "bpm",
	"resting_heart_rate":      "resting_bpm",
	"restingheartrate":        "resting_bpm",
	"heart_rate_variability":  "hrv_ms",
	"heartratevariabilitysdnn": "hrv_ms",
	"hrv":                     "hrv_ms",
}

var heartBounds = map[string][2]float64{
	"bpm":         {20, 300},
	"resting_bpm": {20, 200},
	"hrv_ms":      {0, 500},
}

// HeartTransformer normalizes heart rate, resting heart rate, and HRV
// readings.
type HeartTransformer struct{ DefaultSource string }

func (t *HeartTransformer) Name() string { return "heart" }

func (t *HeartTransformer) CanTransform(metricName string, _ Item) bool {
	lower := strings.ToLower(metricName)
	if _, ok := heartMetrics[lower]; ok {
		return true
	}
	return strings.Contains(lower, "heart") || strings.Contains(lower, "hrv")
}

func inBounds(field string, v float64, bounds map[string][2]float64) bool {
	b, ok := bounds[field]
	if !ok {
		return true
	}
	return v >= b[0] && v <= b[1]
}

func (t *HeartTransformer) Transform(source, metricName string, item Item) (domain.Point, bool) {
	field := LookupField(strings.ToLower(metricName), heartMetrics, "bpm")
	ts, ok := ItemTime(item)
	if !ok {
		return domain.Point{}, false
	}

	qty, ok := Float(item, "qty")
	if !ok {
		return domain.Point{}, false
	}
	if !inBounds(field, qty, heartBounds) {
		logTransformError(t.Name(), "heart", domain.NewValidationError(field, qty, domain.ErrUnknownMetric), metricName, item["date"])
		return domain.Point{}, false
	}

	fields := map[string]float64{field: qty}
	for _, stat := range []string{"min", "max", "avg"} {
		if v, ok := Float(item, stat); ok && inBounds(field, v, heartBounds) {
			fields[field+"_"+stat] = v
		}
	}

	return domain.Point{
		Measurement: "heart",
		Tags:        map[string]string{"source": GetSource(item, source)},
		Fields:      fields,
		Time:        ts,
	}, true
}
