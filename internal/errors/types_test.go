package errors

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKindOfTypedErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"transport", &TransportError{Err: fmt.Errorf("boom")}, KindTransport},
		{"timeout", &TimeoutError{Err: context.DeadlineExceeded}, KindTimeout},
		{"exhausted", &ExhaustedError{Capability: "chat"}, KindExhausted},
		{"unparseable", &UnparseableError{StageErrs: []error{fmt.Errorf("bad json")}}, KindUnparseable},
		{"capability", &CapabilityError{Reason: "wrong answer"}, KindCapability},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"wrapped deadline", fmt.Errorf("call failed: %w", context.DeadlineExceeded), KindTimeout},
		{"net op error", &net.OpError{Op: "dial", Err: fmt.Errorf("connection refused")}, KindTransport},
		{"unknown", fmt.Errorf("something odd"), KindTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestKindOfWrappedTypedError(t *testing.T) {
	err := fmt.Errorf("attempt failed: %w", &ExhaustedError{Capability: "chat"})
	require.Equal(t, KindExhausted, KindOf(err))
}

func TestRetryableAndInfrastructure(t *testing.T) {
	require.True(t, IsRetryable(KindTransport))
	require.True(t, IsRetryable(KindTimeout))
	require.True(t, IsRetryable(KindExhausted))
	require.True(t, IsRetryable(KindUnparseable))
	require.False(t, IsRetryable(KindCapability))
	require.False(t, IsRetryable(KindNone))

	require.True(t, IsInfrastructure(KindTransport))
	require.True(t, IsInfrastructure(KindTimeout))
	require.True(t, IsInfrastructure(KindExhausted))
	require.False(t, IsInfrastructure(KindUnparseable))
	require.False(t, IsInfrastructure(KindCapability))
}

func TestAttributeCarriesCredential(t *testing.T) {
	base := fmt.Errorf("socket closed")
	err := Attribute(base, "key-2")

	require.Equal(t, "key-2", CredentialOf(err))
	require.Equal(t, "key-2", CredentialOf(fmt.Errorf("outer: %w", err)))
	require.Equal(t, "", CredentialOf(base))
	require.Nil(t, Attribute(nil, "key-2"))
}

func TestCredentialOfTypedErrors(t *testing.T) {
	require.Equal(t, "key-1", CredentialOf(&TransportError{Err: fmt.Errorf("x"), CredentialID: "key-1"}))
	require.Equal(t, "key-3", CredentialOf(&TimeoutError{Err: context.DeadlineExceeded, CredentialID: "key-3"}))
}

func TestBackoffGrowsAndRespectsCap(t *testing.T) {
	config := BackoffConfig{BaseDelay: time.Second, MaxDelay: 10 * time.Second, JitterFactor: 0}

	require.Equal(t, 1*time.Second, Backoff(0, config))
	require.Equal(t, 2*time.Second, Backoff(1, config))
	require.Equal(t, 4*time.Second, Backoff(2, config))
	require.Equal(t, 8*time.Second, Backoff(3, config))
	require.Equal(t, 10*time.Second, Backoff(4, config)) // capped
}

func TestBackoffJitterStaysWithinBounds(t *testing.T) {
	config := DefaultBackoffConfig()
	for i := 0; i < 100; i++ {
		d := Backoff(2, config)
		require.Greater(t, d, time.Duration(0))
		require.LessOrEqual(t, d, config.MaxDelay)
	}
}

func TestSleepHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, Sleep(ctx, time.Minute))

	require.NoError(t, Sleep(context.Background(), time.Millisecond))
}
