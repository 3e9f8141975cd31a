package credential

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"causeval/internal/errors"
)

func testSpecs() []Spec {
	return []Spec{
		{ID: "key-a", Secret: "sk-a", Capability: "chat"},
		{ID: "key-b", Secret: "sk-b", Capability: "chat"},
	}
}

func TestAcquireRotatesLeastRecentlyUsed(t *testing.T) {
	pool := NewPool(testSpecs(), DefaultConfig(), nil)
	ctx := context.Background()

	first, err := pool.Acquire(ctx, "chat")
	require.NoError(t, err)
	second, err := pool.Acquire(ctx, "chat")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	// Round-robin continues: the first credential is now the oldest again.
	third, err := pool.Acquire(ctx, "chat")
	require.NoError(t, err)
	require.Equal(t, first.ID, third.ID)
}

func TestAcquireUnknownCapabilityIsExhausted(t *testing.T) {
	pool := NewPool(testSpecs(), DefaultConfig(), nil)

	_, err := pool.Acquire(context.Background(), "embeddings")
	require.Error(t, err)
	require.Equal(t, errors.KindExhausted, errors.KindOf(err))
}

func TestFailureStreakExcludesCredentialUntilCooldown(t *testing.T) {
	config := Config{FailureThreshold: 3, Cooldown: 50 * time.Millisecond}
	pool := NewPool(testSpecs(), config, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		pool.Report("key-a", false, "503 from upstream")
	}

	// Only key-b is selectable while key-a cools down.
	for i := 0; i < 4; i++ {
		cred, err := pool.Acquire(ctx, "chat")
		require.NoError(t, err)
		require.Equal(t, "key-b", cred.ID)
	}

	time.Sleep(70 * time.Millisecond)

	// key-a is back on probation and is the least recently used.
	cred, err := pool.Acquire(ctx, "chat")
	require.NoError(t, err)
	require.Equal(t, "key-a", cred.ID)
}

func TestAcquireNeverReturnsUnhealthyCredential(t *testing.T) {
	config := Config{FailureThreshold: 3, Cooldown: time.Hour}
	pool := NewPool(testSpecs(), config, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		pool.Report("key-a", false, "timeout")
	}

	for i := 0; i < 10; i++ {
		cred, err := pool.Acquire(ctx, "chat")
		require.NoError(t, err)
		require.NotEqual(t, "key-a", cred.ID)
	}
}

func TestAllCredentialsUnhealthyReturnsExhaustedWithHint(t *testing.T) {
	config := Config{FailureThreshold: 1, Cooldown: time.Hour}
	pool := NewPool(testSpecs(), config, nil)

	pool.Report("key-a", false, "boom")
	pool.Report("key-b", false, "boom")

	_, err := pool.Acquire(context.Background(), "chat")
	var exhausted *errors.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, "chat", exhausted.Capability)
	require.Greater(t, exhausted.RetryAfter, time.Duration(0))
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	config := Config{FailureThreshold: 3, Cooldown: time.Hour}
	pool := NewPool(testSpecs(), config, nil)

	pool.Report("key-a", false, "boom")
	pool.Report("key-a", false, "boom")
	pool.Report("key-a", true, "")
	pool.Report("key-a", false, "boom")
	pool.Report("key-a", false, "boom")

	snapshot := pool.Snapshot()
	require.Equal(t, "key-a", snapshot[0].ID)
	require.Equal(t, 2, snapshot[0].ConsecutiveFailures)
	require.Equal(t, "closed", snapshot[0].State)
}

func TestRateLimitedCredentialIsSkipped(t *testing.T) {
	specs := []Spec{
		{ID: "key-limited", Secret: "sk-l", Capability: "chat", Rate: 0.001, Burst: 1},
		{ID: "key-free", Secret: "sk-f", Capability: "chat"},
	}
	pool := NewPool(specs, DefaultConfig(), nil)
	ctx := context.Background()

	// First acquire may take either; the limited key has exactly one token.
	seen := map[string]int{}
	for i := 0; i < 5; i++ {
		cred, err := pool.Acquire(ctx, "chat")
		require.NoError(t, err)
		seen[cred.ID]++
	}
	require.LessOrEqual(t, seen["key-limited"], 1)
	require.GreaterOrEqual(t, seen["key-free"], 4)
}

func TestAcquireHonorsContext(t *testing.T) {
	pool := NewPool(testSpecs(), DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := pool.Acquire(ctx, "chat")
	require.ErrorIs(t, err, context.Canceled)
}

func TestSnapshotOrderAndSize(t *testing.T) {
	pool := NewPool(testSpecs(), DefaultConfig(), nil)
	require.Equal(t, 2, pool.Size())

	snapshot := pool.Snapshot()
	require.Len(t, snapshot, 2)
	require.Equal(t, "key-a", snapshot[0].ID)
	require.Equal(t, "key-b", snapshot[1].ID)
}
