package transform

import (
	"strings"

	"github.com/vitalsink/ingestd/internal/domain"
)

var bodyMetrics = map[string]string{
	"body_mass":             "weight_kg",
	"bodymass":              "weight_kg",
	"weight":                "weight_kg",
	"body_fat_percentage":   "body_fat_pct",
	"body_mass_index":       "bmi",
	"bmi":                   "bmi",
	"lean_body_mass":        "lean_mass_kg",
	"waist_circumference":   "waist_cm",
	"height":                "height_cm",
}

// BodyTransformer normalizes body composition metrics, converting units
// when the source reports imperial.
type BodyTransformer struct{ DefaultSource string }

func (t *BodyTransformer) Name() string { return "body" }

func (t *BodyTransformer) CanTransform(metricName string, _ Item) bool {
	_, ok := bodyMetrics[strings.ToLower(metricName)]
	return ok
}

func (t *BodyTransformer) Transform(source, metricName string, item Item) (domain.Point, bool) {
	ts, ok := ItemTime(item)
	if !ok {
		return domain.Point{}, false
	}
	qty, ok := Float(item, "qty")
	if !ok {
		return domain.Point{}, false
	}

	field := LookupField(strings.ToLower(metricName), bodyMetrics, "value")
	units := strings.ToLower(String(item, "units", ""))

	switch field {
	case "weight_kg":
		if strings.Contains(units, "lb") {
			qty *= 0.453592
		}
	case "height_cm", "waist_cm":
		if strings.Contains(units, "in") {
			qty *= 2.54
		}
	}

	return domain.Point{
		Measurement: "body",
		Tags:        map[string]string{"source": GetSource(item, source)},
		Fields:      map[string]float64{field: qty},
		Time:        ts,
	}, true
}
