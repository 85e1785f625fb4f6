package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{Base: time.Second, Max: 10 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{50, 10 * time.Second},
		{10_000, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestRetryPolicy_MonotonicAndCapped(t *testing.T) {
	for _, p := range []RetryPolicy{
		DefaultRetryPolicy,
		{Base: 3 * time.Millisecond, Max: time.Hour},
		{Base: time.Minute, Max: time.Minute},
		{Base: 7 * time.Second, Max: 100 * time.Second},
	} {
		prev := time.Duration(0)
		for n := 1; n <= 200; n++ {
			d := p.Delay(n)
			assert.GreaterOrEqual(t, d, prev, "policy %+v attempt %d", p, n)
			assert.LessOrEqual(t, d, p.Max, "policy %+v attempt %d", p, n)
			assert.Positive(t, d)
			prev = d
		}
		assert.Equal(t, p.Max, p.Delay(200))
	}
}
