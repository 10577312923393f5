package transform

import (
	"strings"

	"github.com/vitalsink/ingestd/internal/domain"
)

var mobilityMetrics = map[string]string{
	"walking_speed":                     "speed_mps",
	"walking_step_length":               "step_length_cm",
	"walking_asymmetry_percentage":      "asymmetry_pct",
	"walking_double_support_percentage": "double_support_pct",
	"stair_speed_up":                    "stair_ascent_speed",
	"stair_speed_down":                  "stair_descent_speed",
	"six_minute_walk_test_distance":     "six_min_walk_m",
	"walking_steadiness":                "steadiness_pct",
}

var mobilityPercentFields = map[string]bool{
	"asymmetry_pct":       true,
	"double_support_pct":  true,
	"steadiness_pct":      true,
}

// MobilityTransformer normalizes gait and walking-quality metrics.
type MobilityTransformer struct{ DefaultSource string }

func (t *MobilityTransformer) Name() string { return "mobility" }

func (t *MobilityTransformer) CanTransform(metricName string, _ Item) bool {
	lower := strings.ToLower(metricName)
	if _, ok := mobilityMetrics[lower]; ok {
		return true
	}
	for _, kw := range []string{"walking", "stair_speed", "six_minute_walk"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (t *MobilityTransformer) Transform(source, metricName string, item Item) (domain.Point, bool) {
	ts, ok := ItemTime(item)
	if !ok {
		return domain.Point{}, false
	}
	qty, ok := Float(item, "qty")
	if !ok {
		return domain.Point{}, false
	}

	field := LookupField(strings.ToLower(metricName), mobilityMetrics, "value")
	if mobilityPercentFields[field] && qty <= 1 {
		qty *= 100
	}

	return domain.Point{
		Measurement: "mobility",
		Tags:        map[string]string{"source": GetSource(item, source)},
		Fields:      map[string]float64{field: qty},
		Time:        ts,
	}, true
}
