package transform

import (
	"regexp"
	"strings"

	"github.com/vitalsink/ingestd/internal/domain"
)

var (
	camelBoundaryRe1 = regexp.MustCompile(`([a-z0-9])([A-Z][a-z]+)`)
	camelBoundaryRe2 = regexp.MustCompile(`([a-z0-9])([A-Z])`)
	repeatUnderscore = regexp.MustCompile(`_+`)
	unsafeCharRe     = regexp.MustCompile(`[^a-zA-Z0-9_]`)
	safeMetricNameRe = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
)

func normalizeMetricName(name string) (string, bool) {
	if len(name) > 200 {
		name = name[:200]
	}
	name = camelBoundaryRe1.ReplaceAllString(name, "${1}_${2}")
	name = camelBoundaryRe2.ReplaceAllString(name, "${1}_${2}")
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ToLower(name)
	name = unsafeCharRe.ReplaceAllString(name, "")
	name = repeatUnderscore.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")
	if name == "" || !safeMetricNameRe.MatchString(name) {
		return "", false
	}
	return name, true
}

// GenericTransformer is the terminal, catch-all transformer: it always
// claims the metric, normalizing whatever name it was given into a safe
// field name under the "other" measurement.
type GenericTransformer struct{ DefaultSource string }

func (t *GenericTransformer) Name() string { return "generic" }

func (t *GenericTransformer) CanTransform(string, Item) bool { return true }

func (t *GenericTransformer) Transform(source, metricName string, item Item) (domain.Point, bool) {
	ts, ok := ItemTime(item)
	if !ok {
		return domain.Point{}, false
	}
	normalized, ok := normalizeMetricName(metricName)
	if !ok {
		logTransformError(t.Name(), "other", domain.ErrUnknownMetric, metricName, item["date"])
		return domain.Point{}, false
	}
	qty, ok := Float(item, "qty")
	if !ok {
		qty, ok = Float(item, "value")
		if !ok {
			return domain.Point{}, false
		}
	}

	tags := map[string]string{
		"source":      GetSource(item, source),
		"metric_type": SanitizeTag(normalized, 256),
	}
	if unit := String(item, "units", ""); unit != "" {
		tags["unit"] = SanitizeTag(unit, 64)
	}

	fields := map[string]float64{"value": qty}
	for _, stat := range []string{"min", "max", "avg"} {
		if v, ok := Float(item, stat); ok {
			fields[stat] = v
		}
	}

	return domain.Point{
		Measurement: "other",
		Tags:        tags,
		Fields:      fields,
		Time:        ts,
	}, true
}
