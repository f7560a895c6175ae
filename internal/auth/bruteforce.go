package auth

import (
	"context"
	"time"
)

// GuardPolicy tunes the brute-force guard.
type GuardPolicy struct {
	// MaxFailures is the number of consecutive failures tolerated before
	// a lockout starts.
	MaxFailures int
	// MinTimeout is the first lockout duration.
	MinTimeout time.Duration
	// BlockPeriod caps the lockout duration.
	BlockPeriod time.Duration
}

// DefaultGuardPolicy mirrors the configuration defaults.
var DefaultGuardPolicy = GuardPolicy{
	MaxFailures: 10,
	MinTimeout:  30 * time.Second,
	BlockPeriod: 30 * time.Minute,
}

// Guard rate-limits repeated failed logins per (provider, identifier).
//
// The lockout after n consecutive failures (n >= MaxFailures) lasts
// min(MinTimeout << (n - MaxFailures), BlockPeriod), measured from the
// most recent failure. The curve is monotonic: every further failure
// doubles the wait until the block period cap.
type Guard struct {
	log    LoginLogStore
	policy GuardPolicy
	now    func() time.Time
}

// NewGuard constructs a Guard over the login log.
func NewGuard(log LoginLogStore, policy GuardPolicy) *Guard {
	if policy.MaxFailures <= 0 {
		policy.MaxFailures = DefaultGuardPolicy.MaxFailures
	}
	if policy.MinTimeout <= 0 {
		policy.MinTimeout = DefaultGuardPolicy.MinTimeout
	}
	if policy.BlockPeriod < policy.MinTimeout {
		policy.BlockPeriod = DefaultGuardPolicy.BlockPeriod
	}
	return &Guard{log: log, policy: policy, now: time.Now}
}

// Check rejects a new attempt while the identifier is locked out. The
// returned error is a *LockoutError matching ErrAccountLocked.
func (g *Guard) Check(ctx context.Context, providerID, identifier string) error {
	if identifier == "" {
		return nil
	}
	recent, err := g.log.Recent(ctx, providerID, identifier, g.policy.MaxFailures*4)
	if err != nil {
		return storageErr("load login log", err)
	}
	consecutive := 0
	var lastFailure time.Time
	for _, rec := range recent { // newest first
		if rec.Success {
			break
		}
		if consecutive == 0 {
			lastFailure = rec.At
		}
		consecutive++
	}
	if consecutive < g.policy.MaxFailures {
		return nil
	}
	until := lastFailure.Add(g.lockoutFor(consecutive))
	if g.now().Before(until) {
		return &LockoutError{Until: until}
	}
	return nil
}

// RecordFailure appends a failed observation.
func (g *Guard) RecordFailure(ctx context.Context, providerID, identifier string) error {
	if identifier == "" {
		return nil
	}
	return g.log.Append(ctx, LoginRecord{
		ProviderID: providerID,
		Identifier: identifier,
		Success:    false,
		At:         g.now().UTC(),
	})
}

// RecordSuccess appends a successful observation, resetting the
// consecutive-failure count.
func (g *Guard) RecordSuccess(ctx context.Context, providerID, identifier string) error {
	if identifier == "" {
		return nil
	}
	return g.log.Append(ctx, LoginRecord{
		ProviderID: providerID,
		Identifier: identifier,
		Success:    true,
		At:         g.now().UTC(),
	})
}

func (g *Guard) lockoutFor(consecutive int) time.Duration {
	d := g.policy.MinTimeout
	for i := g.policy.MaxFailures; i < consecutive; i++ {
		d *= 2
		if d >= g.policy.BlockPeriod {
			return g.policy.BlockPeriod
		}
	}
	if d > g.policy.BlockPeriod {
		return g.policy.BlockPeriod
	}
	return d
}
