// Package bus optionally forwards committed points onto a NATS subject for
// downstream consumers (dashboards, alerting, analytics) that want a live
// feed without polling the time series backend.
package bus

import (
	"context"

	"github.com/nats-io/nats.go"

	"github.com/vitalsink/ingestd/internal/config"
	"github.com/vitalsink/ingestd/internal/domain"
	"github.com/vitalsink/ingestd/pkg/natsutil"
)

// pointMessage is the wire shape published to the bus subject.
type pointMessage struct {
	Measurement string             `json:"measurement"`
	Tags        map[string]string  `json:"tags"`
	Fields      map[string]float64 `json:"fields"`
	TimeUnixNano int64             `json:"time_unix_nano"`
}

// Publisher forwards points to a NATS subject.
type Publisher struct {
	nc      *nats.Conn
	subject string
}

// Connect dials NATS and returns nil, nil if the bus is disabled in cfg.
func Connect(cfg config.BusConfig) (*Publisher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, err
	}
	return &Publisher{nc: nc, subject: cfg.Subject}, nil
}

func (p *Publisher) Close() {
	if p != nil && p.nc != nil {
		p.nc.Close()
	}
}

// Publish sends every point as a separate message, preserving per-point
// trace context the way natsutil.Publish does for any single value.
func (p *Publisher) Publish(ctx context.Context, points []domain.Point) error {
	if p == nil {
		return nil
	}
	for _, pt := range points {
		msg := pointMessage{
			Measurement:  pt.Measurement,
			Tags:         pt.Tags,
			Fields:       pt.Fields,
			TimeUnixNano: pt.Time.UTC().UnixNano(),
		}
		if err := natsutil.Publish(ctx, p.nc, p.subject, msg); err != nil {
			return err
		}
	}
	return nil
}
