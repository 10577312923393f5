package transform

import "testing"

func TestActivityTransformerMatchesBySubstring(t *testing.T) {
	tr := &ActivityTransformer{DefaultSource: "watch"}
	if !tr.CanTransform("daily_step_count_total", Item{}) {
		t.Fatal("expected substring match on step_count metric family")
	}
}

func TestActivityTransformerCanTransformKeyword(t *testing.T) {
	tr := &ActivityTransformer{DefaultSource: "watch"}
	if !tr.CanTransform("some_walking_distance_metric", Item{}) {
		t.Fatal("expected keyword-based match to claim the metric")
	}
}

func TestActivityTransformerProducesPoint(t *testing.T) {
	tr := &ActivityTransformer{DefaultSource: "watch"}
	item := Item{"date": "2024-03-04T10:00:00Z", "qty": 4200.0}

	p, ok := tr.Transform("watch", "step_count", item)
	if !ok {
		t.Fatal("expected transform to succeed")
	}
	if p.Measurement != "activity" {
		t.Fatalf("unexpected measurement: %s", p.Measurement)
	}
	if len(p.Fields) != 1 {
		t.Fatalf("expected exactly one field, got %v", p.Fields)
	}
}

func TestActivityTransformerRejectsMissingQuantity(t *testing.T) {
	tr := &ActivityTransformer{DefaultSource: "watch"}
	item := Item{"date": "2024-03-04T10:00:00Z"}

	if _, ok := tr.Transform("watch", "step_count", item); ok {
		t.Fatal("expected missing qty to be rejected")
	}
}
