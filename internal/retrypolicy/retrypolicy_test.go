package retrypolicy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryable(t *testing.T) {
	p := Policy{MaxAttempts: 3}
	require.True(t, p.Retryable(1))
	require.True(t, p.Retryable(2))
	require.False(t, p.Retryable(3))
	require.False(t, p.Retryable(4))
}

func TestRetryableDisabled(t *testing.T) {
	p := Policy{MaxAttempts: 0}
	require.False(t, p.Retryable(1))
}

func TestDelayExponentialCapped(t *testing.T) {
	p := Policy{InitialDelay: 500 * time.Millisecond, MaxDelay: 2 * time.Second, Backoff: BackoffExponential}
	require.Equal(t, 500*time.Millisecond, p.Delay(1))
	require.Equal(t, time.Second, p.Delay(2))
	require.Equal(t, 2*time.Second, p.Delay(3))
	require.Equal(t, 2*time.Second, p.Delay(4))
}

func TestDelayFixedAndLinear(t *testing.T) {
	fixed := Policy{InitialDelay: time.Second, Backoff: BackoffFixed}
	require.Equal(t, time.Second, fixed.Delay(5))

	linear := Policy{InitialDelay: time.Second, Backoff: BackoffLinear, MaxDelay: 3 * time.Second}
	require.Equal(t, time.Second, linear.Delay(1))
	require.Equal(t, 2*time.Second, linear.Delay(2))
	require.Equal(t, 3*time.Second, linear.Delay(4))
}
