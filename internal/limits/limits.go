// Package limits enforces per-user budgets on evaluation requests: a daily
// cost cap backed by recorded history and an in-memory request rate window.
package limits

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/openground/openground/internal/auth"
	"github.com/openground/openground/internal/history"
)

// Policy caps one user's evaluation traffic. Zero values disable a check.
type Policy struct {
	RequestsPerMinute int
	MaxCostUSDPerDay  float64
}

// Decision is a denied request. A nil Decision means the request may
// proceed.
type Decision struct {
	Code              string
	Message           string
	RetryAfterSeconds int
}

// Limiter checks evaluation requests against the per-user policy. Daily
// cost comes from the history store; the request rate window is in-memory
// and resets on restart.
type Limiter struct {
	store  history.Store
	policy Policy
	nowFn  func() time.Time

	mu        sync.Mutex
	requests  map[string][]time.Time
	lastSweep time.Time
}

const rateStateSweepInterval = 2 * time.Minute

func NewLimiter(store history.Store, policy Policy) *Limiter {
	return &Limiter{
		store:    store,
		policy:   policy,
		nowFn:    func() time.Time { return time.Now().UTC() },
		requests: map[string][]time.Time{},
	}
}

func (l *Limiter) Enabled() bool {
	if l == nil {
		return false
	}
	return l.policy.RequestsPerMinute > 0 || l.policy.MaxCostUSDPerDay > 0
}

// Check evaluates the identity against the policy. It returns a non-nil
// Decision when the request must be rejected, and an error only when the
// cost lookup itself fails.
func (l *Limiter) Check(ctx context.Context, identity *auth.Identity) (*Decision, error) {
	if !l.Enabled() || identity == nil {
		return nil, nil
	}
	now := l.nowFn().UTC()

	if decision, err := l.checkDailyCost(ctx, identity, now); err != nil || decision != nil {
		return decision, err
	}
	return l.checkRequestRate(identity, now), nil
}

func (l *Limiter) checkDailyCost(ctx context.Context, identity *auth.Identity, now time.Time) (*Decision, error) {
	if l.policy.MaxCostUSDPerDay <= 0 || l.store == nil {
		return nil, nil
	}
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	scope := history.Scope{
		UserID:     strings.TrimSpace(identity.UserID),
		DBConfigID: strings.TrimSpace(identity.DBConfigID),
	}

	summary, err := l.store.GetCostSummary(ctx, scope, dayStart, now)
	if err != nil {
		return nil, err
	}
	if summary != nil && summary.TotalCostUSD >= l.policy.MaxCostUSDPerDay {
		return &Decision{
			Code:    "USER_DAILY_COST_EXCEEDED",
			Message: "daily evaluation cost limit exceeded",
		}, nil
	}
	return nil, nil
}

func (l *Limiter) checkRequestRate(identity *auth.Identity, now time.Time) *Decision {
	if l.policy.RequestsPerMinute <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.maybeSweepRateState(now)

	key := rateKey(identity)
	events := pruneOldRequests(l.requests[key], now)
	if len(events) >= l.policy.RequestsPerMinute {
		l.requests[key] = events
		return &Decision{
			Code:              "USER_RATE_LIMIT_EXCEEDED",
			Message:           "evaluation request rate limit exceeded",
			RetryAfterSeconds: retryAfterSeconds(events, now),
		}
	}
	l.requests[key] = append(events, now)
	return nil
}

func (l *Limiter) maybeSweepRateState(now time.Time) {
	if !l.lastSweep.IsZero() && now.Sub(l.lastSweep) < rateStateSweepInterval {
		return
	}
	for key, events := range l.requests {
		pruned := pruneOldRequests(events, now)
		if len(pruned) == 0 {
			delete(l.requests, key)
			continue
		}
		l.requests[key] = pruned
	}
	l.lastSweep = now
}

func pruneOldRequests(events []time.Time, now time.Time) []time.Time {
	if len(events) == 0 {
		return nil
	}
	cutoff := now.Add(-1 * time.Minute)
	keepIdx := 0
	for keepIdx < len(events) && events[keepIdx].Before(cutoff) {
		keepIdx++
	}
	if keepIdx >= len(events) {
		return nil
	}
	out := make([]time.Time, len(events)-keepIdx)
	copy(out, events[keepIdx:])
	return out
}

func retryAfterSeconds(events []time.Time, now time.Time) int {
	if len(events) == 0 {
		return 1
	}
	wait := events[0].Add(time.Minute).Sub(now).Seconds()
	if wait <= 1 {
		return 1
	}
	return int(math.Ceil(wait))
}

func rateKey(identity *auth.Identity) string {
	return strings.TrimSpace(identity.UserID) + "|" + strings.TrimSpace(identity.DBConfigID)
}
