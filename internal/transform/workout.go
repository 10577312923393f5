package transform

import (
	"strings"

	"github.com/vitalsink/ingestd/internal/domain"
)

var workoutTypeAliases = map[string]string{
	"traditionalstrengthtraining":  "strength_training",
	"functionalstrengthtraining":   "functional_training",
	"highintensityintervaltraining": "hiit",
	"running":                      "running",
	"walking":                      "walking",
	"cycling":                      "cycling",
	"swimming":                     "swimming",
	"yoga":                         "yoga",
	"pilates":                      "pilates",
	"elliptical":                   "elliptical",
	"rowing":                       "rowing",
	"stairclimbing":                "stair_climbing",
	"coretraining":                 "core_training",
	"flexibility":                  "flexibility",
	"cooldown":                     "cooldown",
	"mindandbody":                  "mind_and_body",
}

func normalizeWorkoutType(name string) string {
	lower := strings.ToLower(name)
	lower = strings.TrimPrefix(lower, "hkworkoutactivitytype")
	lower = strings.TrimPrefix(lower, "workout_")
	if alias, ok := workoutTypeAliases[lower]; ok {
		return alias
	}
	return strings.ReplaceAll(strings.ToLower(name), " ", "_")
}

// WorkoutTransformer normalizes discrete workout sessions.
type WorkoutTransformer struct{ DefaultSource string }

func (t *WorkoutTransformer) Name() string { return "workout" }

func (t *WorkoutTransformer) CanTransform(_ string, item Item) bool {
	_, hasStart := item["start"]
	_, hasEnd := item["end"]
	return hasStart || hasEnd
}

func (t *WorkoutTransformer) Transform(source, metricName string, item Item) (domain.Point, bool) {
	startRaw := String(item, "start", "")
	if startRaw == "" {
		return domain.Point{}, false
	}
	start, err := ParseDate(startRaw)
	if err != nil {
		return domain.Point{}, false
	}

	fields := map[string]float64{}
	if dur, ok := Float(item, "duration"); ok {
		fields["duration_min"] = dur
	} else if endRaw := String(item, "end", ""); endRaw != "" {
		if end, err := ParseDate(endRaw); err == nil {
			fields["duration_min"] = end.Sub(start).Minutes()
		}
	}
	if v, ok := Float(item, "activeEnergy"); ok {
		fields["calories"] = v
	}
	if v, ok := Float(item, "distance"); ok {
		fields["distance_m"] = v
	}
	if v, ok := Float(item, "avgHeartRate"); ok {
		fields["avg_hr"] = v
	}
	if v, ok := Float(item, "maxHeartRate"); ok {
		fields["max_hr"] = v
	}

	name := String(item, "name", metricName)
	return domain.Point{
		Measurement: "workout",
		Tags: map[string]string{
			"source":       GetSource(item, source),
			"workout_type": SanitizeTag(normalizeWorkoutType(name), 256),
		},
		Fields: fields,
		Time:   start,
	}, true
}
