package transform

import (
	"math"
	"strings"

	"github.com/vitalsink/ingestd/internal/domain"
)

// SleepTransformer normalizes both aggregated sleep analysis records and
// raw per-stage sleep records.
type SleepTransformer struct{ DefaultSource string }

func (t *SleepTransformer) Name() string { return "sleep" }

func (t *SleepTransformer) CanTransform(metricName string, _ Item) bool {
	lower := strings.ToLower(metricName)
	return strings.Contains(lower, "sleep") || strings.Contains(lower, "inbed") || strings.Contains(lower, "in_bed")
}

func (t *SleepTransformer) Transform(source, metricName string, item Item) (domain.Point, bool) {
	if _, hasAsleep := item["asleep"]; hasAsleep {
		return t.transformAggregated(source, item)
	}
	if _, hasInBed := item["inBed"]; hasInBed {
		return t.transformAggregated(source, item)
	}
	if _, hasDeep := item["deep"]; hasDeep {
		return t.transformAggregated(source, item)
	}
	return t.transformStage(source, item)
}

func (t *SleepTransformer) transformAggregated(source string, item Item) (domain.Point, bool) {
	ts, ok := ItemTime(item)
	if !ok {
		return domain.Point{}, false
	}

	fields := map[string]float64{}
	asleep, hasAsleep := Float(item, "asleep")
	if hasAsleep {
		fields["duration_min"] = asleep
	}
	if v, ok := Float(item, "deep"); ok {
		fields["deep_min"] = v
	}
	if v, ok := Float(item, "rem"); ok {
		fields["rem_min"] = v
	}
	if v, ok := Float(item, "core"); ok {
		fields["core_min"] = v
	}
	if v, ok := Float(item, "awake"); ok {
		fields["awake_min"] = v
	}
	inBed, hasInBed := Float(item, "inBed")
	if hasInBed {
		fields["in_bed_min"] = inBed
	}
	if hasAsleep && hasInBed && inBed > 0 {
		fields["quality_score"] = math.Round(asleep/inBed*100*10) / 10
	}
	if len(fields) == 0 {
		return domain.Point{}, false
	}

	return domain.Point{
		Measurement: "sleep",
		Tags:        map[string]string{"source": GetSource(item, source)},
		Fields:      fields,
		Time:        ts,
	}, true
}

func (t *SleepTransformer) transformStage(source string, item Item) (domain.Point, bool) {
	ts, ok := ItemTime(item)
	if !ok {
		return domain.Point{}, false
	}
	name := strings.ToLower(String(item, "name", String(item, "value", "")))

	var stage string
	switch {
	case strings.Contains(name, "deep"):
		stage = "deep"
	case strings.Contains(name, "rem"):
		stage = "rem"
	case strings.Contains(name, "core"):
		stage = "core"
	case strings.Contains(name, "awake"):
		stage = "awake"
	case strings.Contains(name, "inbed"):
		stage = "in_bed"
	case strings.Contains(name, "asleep"):
		stage = "asleep"
	default:
		return domain.Point{}, false
	}

	qty, _ := Float(item, "qty")
	return domain.Point{
		Measurement: "sleep_stage",
		Tags:        map[string]string{"source": GetSource(item, source), "stage": stage},
		Fields:      map[string]float64{"duration_min": qty},
		Time:        ts,
	}, true
}
