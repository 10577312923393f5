package domain

import (
	"errors"
	"testing"
)

func TestValidationErrorUnwraps(t *testing.T) {
	wrapped := errors.New("out of range")
	err := NewValidationError("bpm", 999, wrapped)

	if !errors.Is(err, wrapped) {
		t.Fatalf("expected errors.Is to find wrapped error")
	}
	if err.Field != "bpm" || err.Value != 999 {
		t.Fatalf("unexpected field/value: %+v", err)
	}
}

func TestTransformErrorMessage(t *testing.T) {
	err := NewTransformError("heart", "heart_rate", ErrUnknownMetric)
	msg := err.Error()
	if msg == "" {
		t.Fatal("expected non-empty message")
	}
	if !errors.Is(err, ErrUnknownMetric) {
		t.Fatalf("expected errors.Is to unwrap to ErrUnknownMetric")
	}
}

func TestWriteErrorRetryableDistinctMessages(t *testing.T) {
	retryable := NewWriteError(true, errors.New("timeout"))
	terminal := NewWriteError(false, errors.New("unauthorized"))

	if retryable.Error() == terminal.Error() {
		t.Fatal("expected retryable and terminal write errors to render differently")
	}
	if !retryable.Retryable || terminal.Retryable {
		t.Fatal("retryable flag not preserved")
	}
}
