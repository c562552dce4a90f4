package lockout_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tfoster/palisade/internal/lockout"
	"github.com/tfoster/palisade/internal/models"
)

// MockFailureRecorder captures persisted failure records
type MockFailureRecorder struct {
	mu      sync.Mutex
	records []*models.LoginFailureRecord
}

func (m *MockFailureRecorder) RecordFailure(ctx context.Context, record *models.LoginFailureRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

func (m *MockFailureRecorder) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

func defaultConfig() lockout.Config {
	return lockout.Config{
		MaxAttempts:       5,
		ObservationWindow: 15 * time.Minute,
		LockoutDuration:   15 * time.Minute,
	}
}

func TestGuard_LocksAfterMaxAttempts(t *testing.T) {
	guard := lockout.NewGuard(defaultConfig(), nil, testLogger())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		state := guard.RecordFailure(ctx, "alice@example.com", "10.0.0.1", "bad_password")
		assert.False(t, state.Locked(time.Now()), "attempt %d must not lock yet", i+1)
	}

	state := guard.RecordFailure(ctx, "alice@example.com", "10.0.0.1", "bad_password")
	assert.True(t, state.Locked(time.Now()))
	require.NotNil(t, state.LockoutUntil)
	assert.Equal(t, 5, state.FailedAttempts)
}

func TestGuard_SuccessClearsFailures(t *testing.T) {
	guard := lockout.NewGuard(defaultConfig(), nil, testLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		guard.RecordFailure(ctx, "alice@example.com", "10.0.0.1", "bad_password")
	}
	guard.RecordSuccess("alice@example.com")

	// Two more failures after the reset: total observed is 2, not 5
	for i := 0; i < 2; i++ {
		guard.RecordFailure(ctx, "alice@example.com", "10.0.0.1", "bad_password")
	}

	state := guard.CheckLocked("alice@example.com")
	assert.False(t, state.Locked(time.Now()))
	assert.Equal(t, 2, state.FailedAttempts)
}

func TestGuard_LockoutNotExtendedByFurtherFailures(t *testing.T) {
	guard := lockout.NewGuard(defaultConfig(), nil, testLogger())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		guard.RecordFailure(ctx, "alice@example.com", "10.0.0.1", "bad_password")
	}

	locked := guard.CheckLocked("alice@example.com")
	require.NotNil(t, locked.LockoutUntil)
	originalUntil := *locked.LockoutUntil

	// Failures during an active lockout must not move the expiry
	for i := 0; i < 10; i++ {
		guard.RecordFailure(ctx, "alice@example.com", "10.0.0.2", "bad_password")
	}

	after := guard.CheckLocked("alice@example.com")
	require.NotNil(t, after.LockoutUntil)
	assert.Equal(t, originalUntil, *after.LockoutUntil)
}

func TestGuard_FreshWindowAfterLockoutExpiry(t *testing.T) {
	cfg := defaultConfig()
	cfg.LockoutDuration = 20 * time.Millisecond
	guard := lockout.NewGuard(cfg, nil, testLogger())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		guard.RecordFailure(ctx, "alice@example.com", "10.0.0.1", "bad_password")
	}
	require.True(t, guard.CheckLocked("alice@example.com").Locked(time.Now()))

	time.Sleep(30 * time.Millisecond)

	// First failure after expiry starts a fresh count
	state := guard.RecordFailure(ctx, "alice@example.com", "10.0.0.1", "bad_password")
	assert.False(t, state.Locked(time.Now()))
	assert.Equal(t, 1, state.FailedAttempts)
}

func TestGuard_UnknownCredentialIsNotLocked(t *testing.T) {
	guard := lockout.NewGuard(defaultConfig(), nil, testLogger())

	state := guard.CheckLocked("nobody@example.com")
	assert.False(t, state.Locked(time.Now()))
	assert.Equal(t, 0, state.FailedAttempts)
}

func TestGuard_PersistsFailureRecords(t *testing.T) {
	recorder := &MockFailureRecorder{}
	guard := lockout.NewGuard(defaultConfig(), recorder, testLogger())
	ctx := context.Background()

	guard.RecordFailure(ctx, "alice@example.com", "10.0.0.1", "bad_password")
	guard.RecordFailure(ctx, "alice@example.com", "10.0.0.1", "bad_password")

	// Persistence is asynchronous
	assert.Eventually(t, func() bool {
		return recorder.Count() == 2
	}, time.Second, 10*time.Millisecond)
}

func TestGuard_SweepDropsIdleEntries(t *testing.T) {
	guard := lockout.NewGuard(defaultConfig(), nil, testLogger())
	ctx := context.Background()

	guard.RecordFailure(ctx, "alice@example.com", "10.0.0.1", "bad_password")

	// Nothing is idle yet
	assert.Equal(t, 0, guard.Sweep(time.Now()))

	// Far in the future everything has lapsed
	removed := guard.Sweep(time.Now().Add(time.Hour))
	assert.Equal(t, 1, removed)
}

func TestGuard_ConcurrentFailuresLockExactlyOnce(t *testing.T) {
	guard := lockout.NewGuard(defaultConfig(), nil, testLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			guard.RecordFailure(ctx, "alice@example.com", "10.0.0.1", "bad_password")
		}()
	}
	wg.Wait()

	state := guard.CheckLocked("alice@example.com")
	assert.True(t, state.Locked(time.Now()))

	// The fifth failure locks; the rest arrive during the active lockout and
	// are not appended to the window
	assert.Equal(t, 5, state.FailedAttempts)
}
