package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/vitalsink/ingestd/internal/config"
	"github.com/vitalsink/ingestd/internal/domain"
)

func TestConnectReturnsNilWhenDisabled(t *testing.T) {
	p, err := Connect(config.BusConfig{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != nil {
		t.Fatal("expected nil publisher when bus is disabled")
	}
}

func TestPublishOnNilPublisherIsNoop(t *testing.T) {
	var p *Publisher
	points := []domain.Point{{Measurement: "heart", Fields: map[string]float64{"bpm": 72}, Time: time.Now()}}
	if err := p.Publish(context.Background(), points); err != nil {
		t.Fatalf("expected nil-receiver publish to be a no-op, got %v", err)
	}
}

func TestCloseOnNilPublisherIsSafe(t *testing.T) {
	var p *Publisher
	p.Close()
}

func TestPointMessageMarshalsExpectedShape(t *testing.T) {
	ts := time.Unix(1700000000, 0).UTC()
	msg := pointMessage{
		Measurement:  "heart",
		Tags:         map[string]string{"source": "watch"},
		Fields:       map[string]float64{"bpm": 72},
		TimeUnixNano: ts.UnixNano(),
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"measurement", "tags", "fields", "time_unix_nano"} {
		if _, ok := decoded[key]; !ok {
			t.Fatalf("expected key %q in wire message, got %v", key, decoded)
		}
	}
}
