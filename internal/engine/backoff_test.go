package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gantryflow/gantry/pkg/api"
)

func TestBackoffDelayDoubles(t *testing.T) {
	p := api.RetryPolicy{MaxAttempts: 5, Backoff: 100 * time.Millisecond}

	assert.Equal(t, 100*time.Millisecond, backoffDelay(p, 1))
	assert.Equal(t, 200*time.Millisecond, backoffDelay(p, 2))
	assert.Equal(t, 400*time.Millisecond, backoffDelay(p, 3))
	assert.Equal(t, 800*time.Millisecond, backoffDelay(p, 4))
}

func TestBackoffDelayCapped(t *testing.T) {
	p := api.RetryPolicy{
		MaxAttempts: 10,
		Backoff:     time.Second,
		MaxBackoff:  3 * time.Second,
	}

	assert.Equal(t, time.Second, backoffDelay(p, 1))
	assert.Equal(t, 2*time.Second, backoffDelay(p, 2))
	assert.Equal(t, 3*time.Second, backoffDelay(p, 3))
	assert.Equal(t, 3*time.Second, backoffDelay(p, 9))
}

func TestBackoffDelayLargeAttemptDoesNotOverflow(t *testing.T) {
	p := api.RetryPolicy{
		MaxAttempts: 100,
		Backoff:     time.Hour,
		MaxBackoff:  2 * time.Hour,
	}
	assert.Equal(t, 2*time.Hour, backoffDelay(p, 90))

	uncapped := api.RetryPolicy{MaxAttempts: 100, Backoff: time.Hour}
	assert.Greater(t, backoffDelay(uncapped, 90), time.Duration(0))
}

func TestBackoffDelayJitterBounds(t *testing.T) {
	p := api.RetryPolicy{
		MaxAttempts: 3,
		Backoff:     10 * time.Millisecond,
		Jitter:      5 * time.Millisecond,
	}

	for i := 0; i < 50; i++ {
		d := backoffDelay(p, 1)
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.Less(t, d, 15*time.Millisecond)
	}
}

func TestBackoffDelayZeroBase(t *testing.T) {
	p := api.RetryPolicy{MaxAttempts: 3}
	assert.Equal(t, time.Duration(0), backoffDelay(p, 1))
}
