package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"guard-service/internal/metrics"
	"guard-service/internal/models"
	"guard-service/internal/store"
)

const keyPrefix = "ratelimit:"

var ErrInternal = errors.New("rate limiter internal failure")

// Recorder receives the security events produced by the limiter.
type Recorder interface {
	Append(event models.SecurityEvent) *models.Alert
}

type Decision struct {
	Allowed    bool              `json:"allowed"`
	RetryAfter time.Duration     `json:"retry_after"`
	Reason     models.DenyReason `json:"reason"`
	Tier       string            `json:"tier,omitempty"`
	Degraded   bool              `json:"degraded,omitempty"`
}

// RetryAfterMs is the retry hint in whole milliseconds, rounded up.
func (d Decision) RetryAfterMs() int64 {
	return int64((d.RetryAfter + time.Millisecond - 1) / time.Millisecond)
}

// TierState pairs a tier with its stored record (nil when absent).
type TierState struct {
	Tier   Tier                    `json:"tier"`
	Record *models.RateLimitRecord `json:"record,omitempty"`
}

type Options struct {
	Tiers    map[string][]Tier
	FailOpen bool
	Recorder Recorder
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Now      func() time.Time
	// Jitter returns a random duration in [0, max]. Defaults to math/rand.
	Jitter func(max time.Duration) time.Duration
}

type Limiter struct {
	store    store.Store
	tiers    map[string][]Tier
	failOpen bool
	recorder Recorder
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
	jitter   func(max time.Duration) time.Duration

	unknownMu sync.Mutex
	unknown   map[string]struct{}
}

func NewLimiter(st store.Store, opts Options) (*Limiter, error) {
	if st == nil {
		return nil, fmt.Errorf("rate limiter requires a record store")
	}
	tiers := opts.Tiers
	if tiers == nil {
		tiers = DefaultTiers()
	}
	normalized := make(map[string][]Tier, len(tiers))
	for action, set := range tiers {
		if len(set) == 0 {
			return nil, fmt.Errorf("action %s has no tiers", action)
		}
		out := make([]Tier, 0, len(set))
		for _, t := range set {
			if err := t.Validate(); err != nil {
				return nil, fmt.Errorf("action %s: %w", action, err)
			}
			out = append(out, withDefaults(t))
		}
		normalized[action] = out
	}

	l := &Limiter{
		store:    st,
		tiers:    normalized,
		failOpen: opts.FailOpen,
		recorder: opts.Recorder,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		now:      opts.Now,
		jitter:   opts.Jitter,
		unknown:  make(map[string]struct{}),
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.jitter == nil {
		l.jitter = randomJitter
	}
	return l, nil
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max) + 1))
}

func recordKey(tierName, actorID string) string {
	return keyPrefix + tierName + ":" + actorID
}

// Actions lists the configured action names.
func (l *Limiter) Actions() []string {
	out := make([]string, 0, len(l.tiers))
	for a := range l.tiers {
		out = append(out, a)
	}
	return out
}

func (l *Limiter) tiersFor(action string) ([]Tier, bool) {
	if set, ok := l.tiers[action]; ok {
		return set, true
	}

	l.unknownMu.Lock()
	if _, seen := l.unknown[action]; !seen {
		l.unknown[action] = struct{}{}
		l.logger.Warn("No rate limit tiers configured for action, using fallback",
			zap.String("action", action),
			zap.String("fallback", DefaultAction))
	}
	l.unknownMu.Unlock()

	set, ok := l.tiers[DefaultAction]
	return set, ok
}

// Check admits or denies one attempt of action by actorID. Each tier
// consumes its attempt atomically; a denial refunds the tiers before it.
func (l *Limiter) Check(ctx context.Context, actorID, action string) (dec Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Rate limiter panic recovered",
				zap.String("actor_id", actorID),
				zap.String("action", action),
				zap.Any("panic", r))
			dec = Decision{Allowed: true, Reason: models.ReasonNone, Degraded: true}
			err = fmt.Errorf("%w: %v", ErrInternal, r)
			l.record(models.SecurityEvent{
				Category: models.CategoryValidationError,
				Severity: models.SeverityWarning,
				Message:  fmt.Sprintf("rate limiter failure for action %s", action),
				ActorID:  actorID,
				Details: models.EventDetails{RateLimit: &models.RateLimitDetails{
					Action:   action,
					Degraded: true,
					Error:    fmt.Sprint(r),
				}},
			})
		}
	}()

	tiers, ok := l.tiersFor(action)
	if !ok {
		return Decision{Allowed: true, Reason: models.ReasonNone}, nil
	}

	dec = Decision{Allowed: true, Reason: models.ReasonNone}
	var (
		firstErr error
		consumed []consumption
	)
	for _, t := range tiers {
		td, snap, terr := l.checkTier(ctx, actorID, t)
		if terr != nil {
			l.metrics.IncStoreErrors()
			l.metrics.ObserveDecision(action, t.Name, "degraded")
			l.logger.Warn("Rate limit store failure",
				zap.String("actor_id", actorID),
				zap.String("tier", t.Name),
				zap.Bool("fail_open", l.failOpen),
				zap.Error(terr))
			l.record(models.SecurityEvent{
				Category: models.CategoryStorageFailure,
				Severity: models.SeverityWarning,
				Message:  fmt.Sprintf("rate limit store failure on tier %s", t.Name),
				ActorID:  actorID,
				Details: models.EventDetails{RateLimit: &models.RateLimitDetails{
					Action:   action,
					Tier:     t.Name,
					Degraded: true,
					Error:    terr.Error(),
				}},
			})
			if firstErr == nil {
				firstErr = fmt.Errorf("rate limit tier %s: %w", t.Name, terr)
			}
			dec.Degraded = true
			if !l.failOpen {
				l.refund(ctx, actorID, consumed)
				return Decision{Allowed: false, Reason: models.ReasonStoreUnavailable, Tier: t.Name, Degraded: true}, firstErr
			}
			continue
		}

		if td.Allowed {
			l.metrics.ObserveDecision(action, t.Name, "allowed")
			consumed = append(consumed, consumption{tier: t, windowStart: snap.WindowStart})
			continue
		}
		l.refund(ctx, actorID, consumed)

		l.metrics.ObserveDecision(action, t.Name, string(td.Reason))
		l.logger.Info("Rate limit denied",
			zap.String("actor_id", actorID),
			zap.String("action", action),
			zap.String("tier", t.Name),
			zap.String("reason", string(td.Reason)),
			zap.Duration("retry_after", td.RetryAfter))
		l.record(models.SecurityEvent{
			Category: models.CategoryRateLimitExceeded,
			Severity: models.SeverityWarning,
			Message:  fmt.Sprintf("rate limit %s on %s", td.Reason, t.Name),
			ActorID:  actorID,
			Details: models.EventDetails{RateLimit: &models.RateLimitDetails{
				Action:         action,
				Tier:           t.Name,
				Reason:         td.Reason,
				Count:          snap.Count,
				MaxAttempts:    t.MaxAttempts,
				ViolationCount: snap.ViolationCount,
				RetryAfterMs:   td.RetryAfterMs(),
			}},
		})
		td.Degraded = dec.Degraded
		return td, firstErr
	}

	return dec, firstErr
}

// consumption is an attempt taken from an allowing tier during one Check.
type consumption struct {
	tier        Tier
	windowStart time.Time
}

// refund gives back attempts taken by earlier tiers when a later tier
// denies, so a denied action costs nothing in the tiers that admitted it.
// A tier whose window rolled over in the meantime is left alone.
func (l *Limiter) refund(ctx context.Context, actorID string, consumed []consumption) {
	for _, c := range consumed {
		err := l.store.Update(ctx, recordKey(c.tier.Name, actorID), c.tier.RecordTTL(), func(current []byte, found bool) ([]byte, bool, error) {
			if !found {
				return nil, false, nil
			}
			var rec models.RateLimitRecord
			if err := json.Unmarshal(current, &rec); err != nil {
				return nil, false, nil
			}
			if rec.Count == 0 || !rec.WindowStart.Equal(c.windowStart) {
				return nil, false, nil
			}
			rec.Count--
			next, err := json.Marshal(&rec)
			if err != nil {
				return nil, false, fmt.Errorf("failed to encode rate limit record: %w", err)
			}
			return next, true, nil
		})
		if err != nil {
			l.logger.Warn("Failed to refund rate limit attempt",
				zap.String("actor_id", actorID),
				zap.String("tier", c.tier.Name),
				zap.Error(err))
		}
	}
}

// checkTier runs the per-tier algorithm inside one atomic store update.
func (l *Limiter) checkTier(ctx context.Context, actorID string, t Tier) (Decision, models.RateLimitRecord, error) {
	var (
		dec  Decision
		snap models.RateLimitRecord
	)
	now := l.now().UTC()

	err := l.store.Update(ctx, recordKey(t.Name, actorID), t.RecordTTL(), func(current []byte, found bool) ([]byte, bool, error) {
		var rec models.RateLimitRecord
		if found {
			if err := json.Unmarshal(current, &rec); err != nil {
				// Corrupt records are replaced rather than locking the actor out.
				found = false
			}
		}

		dec = l.evaluate(&rec, found, now, t)
		snap = rec
		next, err := json.Marshal(&rec)
		if err != nil {
			return nil, false, fmt.Errorf("failed to encode rate limit record: %w", err)
		}
		return next, true, nil
	})
	if err != nil {
		return Decision{}, snap, err
	}
	return dec, snap, nil
}

// evaluate mutates rec in place and returns the tier decision.
func (l *Limiter) evaluate(rec *models.RateLimitRecord, found bool, now time.Time, t Tier) Decision {
	allow := Decision{Allowed: true, Reason: models.ReasonNone, Tier: t.Name}

	if !found {
		*rec = models.RateLimitRecord{Count: 1, WindowStart: now, LastAttemptAt: now}
		return allow
	}

	if rec.BlockedUntil != nil {
		if rec.IsBlocked(now) {
			return Decision{
				Reason:     models.ReasonBlocked,
				RetryAfter: rec.BlockedUntil.Sub(now),
				Tier:       t.Name,
			}
		}
		rec.BlockedUntil = nil
	}

	if rec.WindowElapsed(now, t.Window) {
		rec.Count = 1
		rec.WindowStart = now
		rec.LastAttemptAt = now
		if rec.ViolationCount > 0 {
			rec.ViolationCount--
		}
		return allow
	}

	if t.ProgressiveDelay && rec.ViolationCount > 0 {
		required := ProgressiveDelayFor(rec.ViolationCount)
		if elapsed := now.Sub(rec.LastAttemptAt); elapsed < required {
			return Decision{
				Reason:     models.ReasonProgressiveDelay,
				RetryAfter: required - elapsed,
				Tier:       t.Name,
			}
		}
	}

	if rec.Count >= t.MaxAttempts {
		rec.ViolationCount++
		block := t.BaseBlock(rec.ViolationCount)
		if ceiling := t.JitterCeiling(rec.ViolationCount); ceiling > 0 {
			if j := l.jitter(ceiling); j > 0 {
				block += min(j, ceiling)
			}
		}
		until := now.Add(block)
		rec.BlockedUntil = &until
		return Decision{
			Reason:     models.ReasonLimitExceeded,
			RetryAfter: block,
			Tier:       t.Name,
		}
	}

	rec.Count++
	rec.LastAttemptAt = now
	return allow
}

// Reset clears every tier record of every configured action for actorID.
func (l *Limiter) Reset(ctx context.Context, actorID string) error {
	seen := make(map[string]struct{})
	var errs []error
	for _, set := range l.tiers {
		for _, t := range set {
			if _, ok := seen[t.Name]; ok {
				continue
			}
			seen[t.Name] = struct{}{}
			if err := l.store.Delete(ctx, recordKey(t.Name, actorID)); err != nil {
				errs = append(errs, fmt.Errorf("tier %s: %w", t.Name, err))
			}
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	l.logger.Info("Rate limit state reset", zap.String("actor_id", actorID))
	return nil
}

// Inspect returns the stored state of each tier protecting action.
func (l *Limiter) Inspect(ctx context.Context, actorID, action string) ([]TierState, error) {
	tiers, ok := l.tiersFor(action)
	if !ok {
		return nil, nil
	}
	out := make([]TierState, 0, len(tiers))
	for _, t := range tiers {
		state := TierState{Tier: t}
		raw, err := l.store.Get(ctx, recordKey(t.Name, actorID))
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("failed to read tier %s: %w", t.Name, err)
		default:
			var rec models.RateLimitRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return nil, fmt.Errorf("failed to decode tier %s: %w", t.Name, err)
			}
			state.Record = &rec
		}
		out = append(out, state)
	}
	return out, nil
}

func (l *Limiter) record(ev models.SecurityEvent) {
	if l.recorder == nil {
		return
	}
	ev.Origin = models.OriginRateLimiter
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now().UTC()
	}
	l.recorder.Append(ev)
}
