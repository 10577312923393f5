package transform

import (
	"strings"

	"github.com/vitalsink/ingestd/internal/domain"
)

var vitalsMetrics = map[string]string{
	"oxygen_saturation":          "spo2_pct",
	"blood_oxygen":               "spo2_pct",
	"spo2":                       "spo2_pct",
	"respiratory_rate":           "respiratory_rate",
	"blood_pressure_systolic":    "bp_systolic",
	"systolic":                   "bp_systolic",
	"blood_pressure_diastolic":   "bp_diastolic",
	"diastolic":                  "bp_diastolic",
	"body_temperature":           "temp_c",
	"temperature":                "temp_c",
	"vo2max":                     "vo2max",
	"vo2_max":                    "vo2max",
}

var vitalsBounds = map[string][2]float64{
	"spo2_pct":         {0, 100},
	"respiratory_rate": {1, 80},
	"bp_systolic":      {40, 300},
	"bp_diastolic":     {20, 200},
	"temp_c":           {25, 45},
	"vo2max":           {5, 100},
}

func convertTemp(v float64, units string) float64 {
	switch units {
	case "f", "degf", "fahrenheit":
		return (v - 32) / 1.8
	default:
		return v
	}
}

func normalizeSpo2(v float64) float64 {
	if v <= 1 {
		return v * 100
	}
	return v
}

// VitalsTransformer normalizes SpO2, respiratory rate, blood pressure,
// temperature, and VO2max metrics.
type VitalsTransformer struct{ DefaultSource string }

func (t *VitalsTransformer) Name() string { return "vitals" }

func (t *VitalsTransformer) CanTransform(metricName string, _ Item) bool {
	_, ok := vitalsMetrics[strings.ToLower(metricName)]
	return ok
}

func (t *VitalsTransformer) Transform(source, metricName string, item Item) (domain.Point, bool) {
	ts, ok := ItemTime(item)
	if !ok {
		return domain.Point{}, false
	}
	qty, ok := Float(item, "qty")
	if !ok {
		return domain.Point{}, false
	}

	field := LookupField(strings.ToLower(metricName), vitalsMetrics, "value")
	units := strings.ToLower(String(item, "units", ""))

	switch field {
	case "temp_c":
		qty = convertTemp(qty, units)
	case "spo2_pct":
		qty = normalizeSpo2(qty)
	}

	if !inBounds(field, qty, vitalsBounds) {
		logTransformError(t.Name(), "vitals", domain.NewValidationError(field, qty, domain.ErrUnknownMetric), metricName, item["date"])
		return domain.Point{}, false
	}

	fields := map[string]float64{field: qty}
	for _, stat := range []string{"min", "max", "avg"} {
		if v, ok := Float(item, stat); ok {
			switch field {
			case "temp_c":
				v = convertTemp(v, units)
			case "spo2_pct":
				v = normalizeSpo2(v)
			}
			if inBounds(field, v, vitalsBounds) {
				fields[field+"_"+stat] = v
			}
		}
	}

	return domain.Point{
		Measurement: "vitals",
		Tags:        map[string]string{"source": GetSource(item, source)},
		Fields:      fields,
		Time:        ts,
	}, true
}
