// Package transform normalizes raw health metric payloads into domain.Point
// values. Each metric family gets its own Transformer; a Registry
// dispatches by priority, falling back to a catch-all for anything no
// typed transformer recognizes.
package transform

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/vitalsink/ingestd/internal/domain"
)

// Item is one decoded metric reading, as produced by Registry.Normalize.
// Health export formats are loosely typed, so Item mirrors that instead of
// forcing every field through a rigid struct.
type Item map[string]any

// Transformer converts items belonging to one metric family into points.
type Transformer interface {
	Name() string
	CanTransform(metricName string, item Item) bool
	Transform(source, metricName string, item Item) (domain.Point, bool)
}

var tagSanitizeRe = regexp.MustCompile(`[^a-zA-Z0-9_.\-]`)

// SanitizeTag clamps a raw string to a safe InfluxDB tag value: unknown
// characters become underscores, empty becomes "unknown", and the result
// is truncated to maxLen.
func SanitizeTag(value string, maxLen int) string {
	if value == "" {
		return "unknown"
	}
	clean := tagSanitizeRe.ReplaceAllString(value, "_")
	if len(clean) > maxLen {
		clean = clean[:maxLen]
	}
	return clean
}

// GetSource reads the source tag from an item, sanitized, falling back to
// defaultSource when absent.
func GetSource(item Item, defaultSource string) string {
	if v, ok := item["source"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return SanitizeTag(s, 256)
		}
	}
	return SanitizeTag(defaultSource, 256)
}

// LookupField resolves metricName to a field name via field map, first by
// exact match, then case-insensitively, else returns def.
func LookupField(metricName string, fieldMap map[string]string, def string) string {
	if v, ok := fieldMap[metricName]; ok {
		return v
	}
	lower := strings.ToLower(metricName)
	for k, v := range fieldMap {
		if strings.ToLower(k) == lower {
			return v
		}
	}
	return def
}

// LookupFieldContains resolves metricName to a field name by substring
// containment in either direction, matching the inline lookup style some
// metric families use instead of LookupField's exact-match style.
func LookupFieldContains(metricName string, fieldMap map[string]string, def string) string {
	lower := strings.ToLower(metricName)
	for k, v := range fieldMap {
		kl := strings.ToLower(k)
		if strings.Contains(lower, kl) || strings.Contains(kl, lower) {
			return v
		}
	}
	return def
}

// Float reads a numeric field from an item, accepting float64, int, or a
// numeric string, as export formats are inconsistent about encoding.
func Float(item Item, key string) (float64, bool) {
	v, ok := item[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// String reads a string field, returning def if absent or wrong type.
func String(item Item, key, def string) string {
	if v, ok := item[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

var dateSpaceTZRe = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})\s(\d{2}:\d{2}:\d{2})\s([+-])(\d{2})(\d{2})$`)

// ParseDate parses health export timestamps, which usually arrive as RFC3339
// but sometimes as "2006-01-02 15:04:05 +0000" (space instead of T, no colon
// in the offset). Both forms keep their original offset; callers convert
// to UTC as needed.
func ParseDate(raw string) (time.Time, error) {
	if m := dateSpaceTZRe.FindStringSubmatch(raw); m != nil {
		iso := fmt.Sprintf("%sT%s%s%s:%s", m[1], m[2], m[3], m[4], m[5])
		return time.Parse(time.RFC3339, iso)
	}
	return time.Parse(time.RFC3339, raw)
}

// ItemTime reads and parses the "date" field of an item.
func ItemTime(item Item) (time.Time, bool) {
	raw := String(item, "date", "")
	if raw == "" {
		return time.Time{}, false
	}
	t, err := ParseDate(raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func logTransformError(transformerName, measurement string, err error, metricName string, metricDate any) {
	slog.Warn("transform error",
		"transformer", transformerName,
		"measurement", measurement,
		"error", err,
		"metric_name", metricName,
		"metric_date", metricDate,
	)
}
