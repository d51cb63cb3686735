package orchestrator

import (
	"encoding/json"
	"math"
	"strconv"
)

// QualityKey is the output key the default estimator reads.
const QualityKey = "quality"

// QualityEstimator scores a step output in [0,1].
type QualityEstimator interface {
	Estimate(agentKey string, output map[string]any) float64
}

// QualityFunc adapts a function to QualityEstimator.
type QualityFunc func(agentKey string, output map[string]any) float64

// Estimate calls f.
func (f QualityFunc) Estimate(agentKey string, output map[string]any) float64 {
	return f(agentKey, output)
}

// OutputQuality reads a numeric "quality" entry from the output, clamped to
// [0,1]. A missing or non-numeric entry scores 0.
var OutputQuality QualityEstimator = QualityFunc(func(_ string, output map[string]any) float64 {
	v, ok := output[QualityKey]
	if !ok {
		return 0
	}
	q, ok := toFloat(v)
	if !ok || math.IsNaN(q) {
		return 0
	}
	return math.Max(0, math.Min(1, q))
})

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
