package transform

import (
	"github.com/vitalsink/ingestd/internal/domain"
)

// Registry dispatches normalized items to the first transformer whose
// CanTransform claims the metric. The generic transformer is always last
// and always claims, so Process never drops an item silently without a
// recorded failure.
type Registry struct {
	transformers  []Transformer
	defaultSource string
}

// NewRegistry builds the registry with transformers in priority order:
// Heart, Mobility, Activity, Sleep, Workout, Body, Vitals, Audio, Generic.
func NewRegistry(defaultSource string) *Registry {
	return &Registry{
		defaultSource: defaultSource,
		transformers: []Transformer{
			&HeartTransformer{DefaultSource: defaultSource},
			&MobilityTransformer{DefaultSource: defaultSource},
			&ActivityTransformer{DefaultSource: defaultSource},
			&SleepTransformer{DefaultSource: defaultSource},
			&WorkoutTransformer{DefaultSource: defaultSource},
			&BodyTransformer{DefaultSource: defaultSource},
			&VitalsTransformer{DefaultSource: defaultSource},
			&AudioTransformer{DefaultSource: defaultSource},
			&GenericTransformer{DefaultSource: defaultSource},
		},
	}
}

func (r *Registry) transformerFor(metricName string, item Item) Transformer {
	for _, t := range r.transformers {
		if t.CanTransform(metricName, item) {
			return t
		}
	}
	return nil
}

// Failure records one item that could not be turned into a point.
type Failure struct {
	MetricName string
	Item       Item
	Err        error
}

// Normalize flattens one of three payload shapes the clients send into a
// flat slice of Items:
//
//  1. {"data":{"metrics":[{name,units,data:[{...}]}]}} — nested export batch.
//  2. {"data":[...]} — flat list, top-level keys merged in as defaults.
//  3. anything else — treated as a single metric reading.
func (r *Registry) Normalize(raw map[string]any) []Item {
	dataVal, hasData := raw["data"]
	if !hasData {
		item := Item{}
		for k, v := range raw {
			item[k] = v
		}
		return []Item{item}
	}

	switch d := dataVal.(type) {
	case map[string]any:
		metricsVal, ok := d["metrics"]
		if !ok {
			return nil
		}
		metrics, ok := metricsVal.([]any)
		if !ok {
			return nil
		}
		var out []Item
		for _, mv := range metrics {
			m, ok := mv.(map[string]any)
			if !ok {
				continue
			}
			name, _ := m["name"].(string)
			units, _ := m["units"].(string)
			innerData, _ := m["data"].([]any)
			for _, iv := range innerData {
				inner, ok := iv.(map[string]any)
				if !ok {
					continue
				}
				item := Item{}
				for k, v := range inner {
					item[k] = v
				}
				if name != "" {
					item["name"] = name
				}
				if _, exists := item["units"]; !exists && units != "" {
					item["units"] = units
				}
				out = append(out, item)
			}
		}
		return out
	case []any:
		base := Item{}
		for k, v := range raw {
			if k == "data" {
				continue
			}
			base[k] = v
		}
		var out []Item
		for _, iv := range d {
			inner, ok := iv.(map[string]any)
			if !ok {
				continue
			}
			item := Item{}
			for k, v := range base {
				item[k] = v
			}
			for k, v := range inner {
				item[k] = v
			}
			out = append(out, item)
		}
		return out
	default:
		item := Item{}
		for k, v := range raw {
			item[k] = v
		}
		return []Item{item}
	}
}

func extractMetricName(item Item) string {
	for _, key := range []string{"name", "type", "metric", "dataType"} {
		if v, ok := item[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// Process normalizes a raw decoded payload and runs every resulting item
// through the appropriate transformer, returning the points produced and
// a Failure for every item that could not be transformed.
func (r *Registry) Process(raw map[string]any) ([]domain.Point, []Failure) {
	items := r.Normalize(raw)
	points := make([]domain.Point, 0, len(items))
	var failures []Failure

	for _, item := range items {
		metricName := extractMetricName(item)
		if metricName == "" {
			failures = append(failures, Failure{Item: item, Err: domain.ErrUnknownMetric})
			continue
		}
		t := r.transformerFor(metricName, item)
		if t == nil {
			failures = append(failures, Failure{MetricName: metricName, Item: item, Err: domain.ErrUnknownMetric})
			continue
		}
		p, ok := t.Transform(r.defaultSource, metricName, item)
		if !ok {
			failures = append(failures, Failure{
				MetricName: metricName,
				Item:       item,
				Err:        domain.NewTransformError(t.Name(), metricName, domain.ErrUnknownMetric),
			})
			continue
		}
		points = append(points, p)
	}
	return points, failures
}
