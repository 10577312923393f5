package transform

import "testing"

func TestSanitizeTagReplacesUnsafeChars(t *testing.T) {
	got := SanitizeTag("Apple Watch #1!", 256)
	if got == "" || got == "unknown" {
		t.Fatalf("expected sanitized tag, got %q", got)
	}
	for _, r := range got {
		if r == ' ' || r == '#' || r == '!' {
			t.Fatalf("expected unsafe characters replaced, got %q", got)
		}
	}
}

func TestSanitizeTagEmptyBecomesUnknown(t *testing.T) {
	if got := SanitizeTag("", 10); got != "unknown" {
		t.Fatalf("expected unknown, got %q", got)
	}
}

func TestSanitizeTagTruncates(t *testing.T) {
	got := SanitizeTag("abcdefghij", 5)
	if len(got) != 5 {
		t.Fatalf("expected truncation to 5 chars, got %q", got)
	}
}

func TestLookupFieldExactThenCaseInsensitive(t *testing.T) {
	m := map[string]string{"heart_rate": "bpm"}
	if got := LookupField("HEART_RATE", m, "default"); got != "bpm" {
		t.Fatalf("expected case-insensitive match, got %q", got)
	}
	if got := LookupField("unknown_metric", m, "default"); got != "default" {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestLookupFieldContainsMatchesSubstring(t *testing.T) {
	m := map[string]string{"step_count": "steps"}
	if got := LookupFieldContains("daily_step_count_total", m, "value"); got != "steps" {
		t.Fatalf("expected substring match, got %q", got)
	}
}

func TestFloatAcceptsNumericString(t *testing.T) {
	item := Item{"qty": "72.5"}
	v, ok := Float(item, "qty")
	if !ok || v != 72.5 {
		t.Fatalf("expected 72.5, got %v ok=%v", v, ok)
	}
}

func TestFloatRejectsMissingOrWrongType(t *testing.T) {
	item := Item{"qty": "not-a-number"}
	if _, ok := Float(item, "qty"); ok {
		t.Fatal("expected false for non-numeric string")
	}
	if _, ok := Float(item, "missing"); ok {
		t.Fatal("expected false for missing key")
	}
}

func TestParseDateHandlesSpaceSeparatedOffset(t *testing.T) {
	ts, err := ParseDate("2024-03-04 15:30:00 +0000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.Year() != 2024 || ts.Month() != 3 || ts.Day() != 4 {
		t.Fatalf("unexpected parsed date: %v", ts)
	}
}

func TestParseDateHandlesRFC3339(t *testing.T) {
	if _, err := ParseDate("2024-03-04T15:30:00Z"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseDateRejectsGarbage(t *testing.T) {
	if _, err := ParseDate("not a date"); err == nil {
		t.Fatal("expected error for unparseable date")
	}
}
