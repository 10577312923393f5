package transform

import (
	"strings"

	"github.com/vitalsink/ingestd/internal/domain"
)

var audioMetrics = map[string]string{
	"headphone_audio_exposure": "headphone_db",
	"headphone_audio_levels":   "headphone_db",
	"environmental_audio_exposure": "environmental_db",
}

// AudioTransformer normalizes headphone and environmental audio exposure.
type AudioTransformer struct{ DefaultSource string }

func (t *AudioTransformer) Name() string { return "audio" }

func (t *AudioTransformer) CanTransform(metricName string, _ Item) bool {
	_, ok := audioMetrics[strings.ToLower(metricName)]
	return ok
}

func (t *AudioTransformer) Transform(source, metricName string, item Item) (domain.Point, bool) {
	ts, ok := ItemTime(item)
	if !ok {
		return domain.Point{}, false
	}
	qty, ok := Float(item, "qty")
	if !ok {
		return domain.Point{}, false
	}
	field := LookupField(strings.ToLower(metricName), audioMetrics, "value")

	return domain.Point{
		Measurement: "audio",
		Tags:        map[string]string{"source": GetSource(item, source)},
		Fields:      map[string]float64{field: qty},
		Time:        ts,
	}, true
}
