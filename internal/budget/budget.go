// Package budget sizes a completion: how many output tokens to ask for and at
// what temperature.
package budget

import "math"

const (
	MinTokens = 1024
	MaxTokens = 8192

	// charsPerToken is a conservative estimate; real tokenizers average closer to 4.
	charsPerToken = 3
	// expansion leaves room for output that runs longer than its input.
	expansion = 1.5

	MinTemperature = 0.0
	MaxTemperature = 2.0

	DefaultImproveTemperature = 0.3
	DefaultTeachTemperature   = 0.7
)

// EstimateTokens returns ceil(inputLength / 3).
func EstimateTokens(inputLength int) int {
	if inputLength <= 0 {
		return 0
	}
	return (inputLength + charsPerToken - 1) / charsPerToken
}

// ComputeMaxTokens returns the output-token allowance for an input of
// inputLength characters. A caller hint replaces the estimate but is still
// clamped to [1, MaxTokens].
func ComputeMaxTokens(inputLength int, hint *int) int {
	if hint != nil {
		return clamp(*hint, 1, MaxTokens)
	}
	calculated := int(math.Ceil(float64(EstimateTokens(inputLength)) * expansion))
	return clamp(calculated, MinTokens, MaxTokens)
}

// ClampTemperature bounds t to [0, 2].
func ClampTemperature(t float64) float64 {
	return math.Max(MinTemperature, math.Min(t, MaxTemperature))
}

// Temperature returns the clamped hint, or def when no usable hint is given.
func Temperature(hint *float64, def float64) float64 {
	if hint == nil || math.IsNaN(*hint) {
		return def
	}
	return ClampTemperature(*hint)
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
