package transform

import (
	"strings"

	"github.com/vitalsink/ingestd/internal/domain"
)

var activityMetrics = map[string]string{
	"step_count":                 "steps",
	"steps":                      "steps",
	"active_energy":              "active_calories",
	"active_energy_burned":       "active_calories",
	"basal_energy_burned":        "basal_calories",
	"distance_walking_running":   "distance_m",
	"exercise_time":              "exercise_min",
	"apple_exercise_time":        "exercise_min",
	"stand_time":                 "stand_min",
	"stand_hour":                 "stand_hours",
	"apple_stand_hour":           "stand_hours",
	"flights_climbed":            "floors_climbed",
}

var activityKeywords = []string{"step", "energy", "exercise", "stand", "flight", "distance"}

// ActivityTransformer normalizes step, energy, and exercise metrics.
type ActivityTransformer struct{ DefaultSource string }

func (t *ActivityTransformer) Name() string { return "activity" }

func (t *ActivityTransformer) CanTransform(metricName string, _ Item) bool {
	lower := strings.ToLower(metricName)
	if _, ok := activityMetrics[lower]; ok {
		return true
	}
	for _, kw := range activityKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (t *ActivityTransformer) Transform(source, metricName string, item Item) (domain.Point, bool) {
	ts, ok := ItemTime(item)
	if !ok {
		return domain.Point{}, false
	}
	qty, ok := Float(item, "qty")
	if !ok {
		return domain.Point{}, false
	}

	// activity.py resolves the field by substring containment rather than
	// base.py's exact lookup, so that matches here too.
	field := LookupFieldContains(strings.ToLower(metricName), activityMetrics, "value")

	return domain.Point{
		Measurement: "activity",
		Tags:        map[string]string{"source": GetSource(item, source)},
		Fields:      map[string]float64{field: qty},
		Time:        ts,
	}, true
}
