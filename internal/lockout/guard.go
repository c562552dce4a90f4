package lockout

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tfoster/palisade/internal/models"
)

// FailureRecorder persists LoginFailureRecord entries for reporting. Writes
// are fire-and-forget relative to the lockout decision; a failing recorder
// never affects whether an account locks.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, record *models.LoginFailureRecord) error
}

// Config holds the lockout policy.
type Config struct {
	MaxAttempts       int
	ObservationWindow time.Duration
	LockoutDuration   time.Duration
}

type credentialEntry struct {
	mu           sync.Mutex
	failures     []time.Time
	lockoutUntil *time.Time
	lastAttempt  time.Time
}

// Guard counts authentication failures per credential key and enforces a
// temporary lockout once the configured maximum is reached within the
// observation window. IPs are tracked per failure for reporting only;
// lockout is keyed by credential, never by IP.
type Guard struct {
	cfg      Config
	recorder FailureRecorder
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*credentialEntry
}

func NewGuard(cfg Config, recorder FailureRecorder, logger *slog.Logger) *Guard {
	return &Guard{
		cfg:      cfg,
		recorder: recorder,
		logger:   logger,
		entries:  make(map[string]*credentialEntry),
	}
}

func (g *Guard) entry(credentialKey string) *credentialEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[credentialKey]
	if !ok {
		e = &credentialEntry{}
		g.entries[credentialKey] = e
	}
	return e
}

// RecordFailure registers one failed attempt and returns the resulting state.
// Attempts during an active lockout do not extend it, so an attacker cannot
// keep a legitimate user locked out indefinitely by flooding.
func (g *Guard) RecordFailure(ctx context.Context, credentialKey, ip, reason string) models.AccountLockoutState {
	now := time.Now()
	e := g.entry(credentialKey)

	e.mu.Lock()
	e.lastAttempt = now

	if e.lockoutUntil != nil && now.Before(*e.lockoutUntil) {
		state := g.snapshotLocked(credentialKey, e, now)
		e.mu.Unlock()
		g.recordAsync(credentialKey, ip, reason, now)
		return state
	}

	// Lockout expired: start a fresh observation window
	if e.lockoutUntil != nil {
		e.lockoutUntil = nil
		e.failures = e.failures[:0]
	}

	e.failures = pruneBefore(e.failures, now.Add(-g.cfg.ObservationWindow))
	e.failures = append(e.failures, now)

	if len(e.failures) >= g.cfg.MaxAttempts {
		until := now.Add(g.cfg.LockoutDuration)
		e.lockoutUntil = &until
		g.logger.Warn("account locked out",
			slog.String("credential_key", credentialKey),
			slog.Int("failed_attempts", len(e.failures)),
			slog.Time("lockout_until", until))
	}

	state := g.snapshotLocked(credentialKey, e, now)
	e.mu.Unlock()

	g.recordAsync(credentialKey, ip, reason, now)
	return state
}

// CheckLocked returns the current lockout state for a credential key.
func (g *Guard) CheckLocked(credentialKey string) models.AccountLockoutState {
	g.mu.Lock()
	e, ok := g.entries[credentialKey]
	g.mu.Unlock()

	if !ok {
		return models.AccountLockoutState{CredentialKey: credentialKey}
	}

	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	return g.snapshotLocked(credentialKey, e, now)
}

// RecordSuccess clears all failure state for the credential key. A
// successful login always resets the counter regardless of prior count.
func (g *Guard) RecordSuccess(credentialKey string) {
	g.mu.Lock()
	delete(g.entries, credentialKey)
	g.mu.Unlock()
}

// Sweep drops entries whose lockout and observation window have both lapsed.
func (g *Guard) Sweep(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	cutoff := now.Add(-g.cfg.ObservationWindow)
	for key, e := range g.entries {
		e.mu.Lock()
		idle := e.lastAttempt.Before(cutoff)
		lockLapsed := e.lockoutUntil == nil || now.After(*e.lockoutUntil)
		e.mu.Unlock()
		if idle && lockLapsed {
			delete(g.entries, key)
			removed++
		}
	}
	return removed
}

// snapshotLocked copies entry state; caller holds e.mu.
func (g *Guard) snapshotLocked(credentialKey string, e *credentialEntry, now time.Time) models.AccountLockoutState {
	state := models.AccountLockoutState{
		CredentialKey:  credentialKey,
		FailedAttempts: countSince(e.failures, now.Add(-g.cfg.ObservationWindow)),
		LastAttempt:    e.lastAttempt,
	}
	if e.lockoutUntil != nil && now.Before(*e.lockoutUntil) {
		until := *e.lockoutUntil
		state.LockoutUntil = &until
		state.FailedAttempts = len(e.failures)
	}
	return state
}

func (g *Guard) recordAsync(credentialKey, ip, reason string, at time.Time) {
	if g.recorder == nil {
		return
	}

	record := &models.LoginFailureRecord{
		CredentialKey: credentialKey,
		IPAddress:     ip,
		AttemptTime:   at,
		Reason:        reason,
		ExpiresAt:     at.Add(g.cfg.ObservationWindow * 2),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := g.recorder.RecordFailure(ctx, record); err != nil {
			g.logger.Error("failed to persist login failure record",
				slog.String("credential_key", credentialKey),
				slog.Any("error", err))
		}
	}()
}

// pruneBefore compacts the slice in place; only call while mutating an entry.
func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, t := range times {
		if !t.Before(cutoff) {
			n++
		}
	}
	return n
}
