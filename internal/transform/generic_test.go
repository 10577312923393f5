package transform

import (
	"strings"
	"testing"
)

func TestGenericTransformerAlwaysCanTransform(t *testing.T) {
	tr := &GenericTransformer{DefaultSource: "watch"}
	if !tr.CanTransform("anything_at_all", Item{}) {
		t.Fatal("expected generic transformer to claim every metric")
	}
}

func TestGenericTransformerNormalizesCamelCaseName(t *testing.T) {
	tr := &GenericTransformer{DefaultSource: "watch"}
	item := Item{"date": "2024-03-04T10:00:00Z", "qty": 1.0}

	p, ok := tr.Transform("watch", "VO2MaxReading", item)
	if !ok {
		t.Fatal("expected transform to succeed")
	}
	if p.Measurement != "other" {
		t.Fatalf("unexpected measurement: %s", p.Measurement)
	}
	if p.Tags["metric_type"] == "" {
		t.Fatal("expected a normalized metric_type tag")
	}
}

func TestGenericTransformerFallsBackToValueField(t *testing.T) {
	tr := &GenericTransformer{DefaultSource: "watch"}
	item := Item{"date": "2024-03-04T10:00:00Z", "value": 5.0}

	p, ok := tr.Transform("watch", "unusual_metric", item)
	if !ok {
		t.Fatal("expected fallback to value field to succeed")
	}
	if p.Fields["value"] != 5 {
		t.Fatalf("unexpected fields: %v", p.Fields)
	}
}

func TestGenericTransformerRejectsUnnormalizableName(t *testing.T) {
	tr := &GenericTransformer{DefaultSource: "watch"}
	item := Item{"date": "2024-03-04T10:00:00Z", "qty": 1.0}

	if _, ok := tr.Transform("watch", "###", item); ok {
		t.Fatal("expected an all-punctuation metric name to fail normalization")
	}
}

func TestNormalizeMetricNameSnakeCasesCamelCase(t *testing.T) {
	got, ok := normalizeMetricName("HeartRateVariabilitySDNN")
	if !ok {
		t.Fatal("expected normalization to succeed")
	}
	if got == "" || got != strings.ToLower(got) {
		t.Fatalf("expected lowercase snake_case, got %q", got)
	}
}
