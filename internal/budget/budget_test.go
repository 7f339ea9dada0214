package budget

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

func TestComputeMaxTokens(t *testing.T) {
	tests := []struct {
		name   string
		length int
		hint   *int
		want   int
	}{
		{"empty input uses floor", 0, nil, MinTokens},
		{"negative length uses floor", -10, nil, MinTokens},
		{"short input uses floor", 20, nil, MinTokens},
		{"just above floor", 2100, nil, 1050},
		{"rounds up", 2101, nil, 1052},
		{"long input hits ceiling", 100000, nil, MaxTokens},
		{"hint overrides estimate", 100000, intPtr(500), 500},
		{"hint clamped high", 10, intPtr(50000), MaxTokens},
		{"hint clamped low", 10, intPtr(-3), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeMaxTokens(tt.length, tt.hint))
		})
	}
}

func TestComputeMaxTokens_MonotonicAndBounded(t *testing.T) {
	prev := ComputeMaxTokens(0, nil)
	for n := 1; n <= 20000; n++ {
		got := ComputeMaxTokens(n, nil)
		if got < prev {
			t.Fatalf("budget decreased at length %d: %d < %d", n, got, prev)
		}
		if got < MinTokens || got > MaxTokens {
			t.Fatalf("budget %d out of bounds at length %d", got, n)
		}
		prev = got
	}
}

func TestClampTemperature(t *testing.T) {
	for _, v := range []float64{0, 0.3, 1, 1.99, 2} {
		assert.Equal(t, v, ClampTemperature(v))
	}
	assert.Equal(t, 0.0, ClampTemperature(-0.5))
	assert.Equal(t, 2.0, ClampTemperature(7))
}

func TestTemperature(t *testing.T) {
	assert.Equal(t, DefaultImproveTemperature, Temperature(nil, DefaultImproveTemperature))
	assert.Equal(t, DefaultTeachTemperature, Temperature(nil, DefaultTeachTemperature))
	assert.Equal(t, 1.2, Temperature(floatPtr(1.2), DefaultImproveTemperature))
	assert.Equal(t, 2.0, Temperature(floatPtr(3), DefaultImproveTemperature))
	assert.Equal(t, DefaultImproveTemperature, Temperature(floatPtr(math.NaN()), DefaultImproveTemperature))
}
