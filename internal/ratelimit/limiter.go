// Package ratelimit enforces per-source call quotas and rotates between
// credentials when a provider rejects or throttles one of them.
package ratelimit

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/david/grant-discovery/internal/ingest"
	"github.com/david/grant-discovery/internal/models"
	"golang.org/x/time/rate"
)

var ErrUnknownSource = errors.New("ratelimit: unknown source")

const defaultCooldown = time.Minute

// neverResets is the wait reported when a quota has no window.
const neverResets = time.Duration(math.MaxInt64)

// Outcome is what the caller reports back after using a grant.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeTransient   Outcome = Outcome(ingest.KindTransient)
	OutcomeAuthFailure Outcome = Outcome(ingest.KindAuthFailure)
	OutcomeRateLimited Outcome = Outcome(ingest.KindRateLimited)
	OutcomeMalformed   Outcome = Outcome(ingest.KindMalformed)
	OutcomeNotFound    Outcome = Outcome(ingest.KindNotFound)
)

// OutcomeOf maps a fetch error onto an Outcome.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	return Outcome(ingest.KindOf(err))
}

// Policy is the per-source configuration.
type Policy struct {
	QuotaLimit  int
	QuotaWindow time.Duration
	Cooldown    time.Duration
	RPS         float64
	Credentials []string
}

// PolicyFor derives a Policy from a registry entry.
func PolicyFor(cfg ingest.SourceConfig) Policy {
	return Policy{
		QuotaLimit:  cfg.Quota.Limit,
		QuotaWindow: cfg.Quota.Window,
		Cooldown:    cfg.Cooldown,
		RPS:         cfg.RateLimitRPS,
		Credentials: cfg.LiveCredentials(),
	}
}

// Grant is the answer to Acquire. Either Wait is zero and the call may
// proceed (with Credential, nil for keyless sources), or Wait says how long
// until a retry can succeed.
type Grant struct {
	Credential *models.SourceCredential
	Wait       time.Duration
}

func (g Grant) Ready() bool { return g.Wait <= 0 }

type sourceState struct {
	mu sync.Mutex

	policy      Policy
	creds       []*models.SourceCredential
	next        int
	windowStart time.Time
	used        int
	pacer       *rate.Limiter

	cooldownUntil   time.Time
	lastSuccess     time.Time
	lastFailure     time.Time
	lastFailureKind Outcome
}

// Limiter owns the quota counters of every source. All state for a source
// sits behind that source's mutex, so rotated credentials share one quota.
type Limiter struct {
	mu      sync.RWMutex
	sources map[string]*sourceState
	now     func() time.Time
}

type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(opts ...Option) *Limiter {
	l := &Limiter{
		sources: make(map[string]*sourceState),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Register installs or replaces the policy for a source. A quota without a
// window never resets.
func (l *Limiter) Register(source string, p Policy) {
	if p.Cooldown <= 0 {
		p.Cooldown = defaultCooldown
	}
	st := &sourceState{policy: p, windowStart: l.now()}
	for _, key := range p.Credentials {
		st.creds = append(st.creds, &models.SourceCredential{
			SourceName:  source,
			KeyMaterial: key,
			QuotaWindow: p.QuotaWindow,
		})
	}
	if p.RPS > 0 {
		st.pacer = rate.NewLimiter(rate.Limit(p.RPS), 1)
	}

	l.mu.Lock()
	l.sources[source] = st
	l.mu.Unlock()
}

func (l *Limiter) state(source string) (*sourceState, error) {
	l.mu.RLock()
	st, ok := l.sources[source]
	l.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownSource
	}
	return st, nil
}

// Acquire reserves one provider call for source. It never blocks: when no
// quota or credential is available the Grant carries the wait instead.
func (l *Limiter) Acquire(source string) (Grant, error) {
	st, err := l.state(source)
	if err != nil {
		return Grant{}, err
	}
	now := l.now()

	st.mu.Lock()
	defer st.mu.Unlock()

	st.rollWindow(now)
	if st.policy.QuotaLimit > 0 && st.used >= st.policy.QuotaLimit {
		if st.policy.QuotaWindow <= 0 {
			return Grant{Wait: neverResets}, nil
		}
		return Grant{Wait: st.windowStart.Add(st.policy.QuotaWindow).Sub(now)}, nil
	}
	if now.Before(st.cooldownUntil) {
		return Grant{Wait: st.cooldownUntil.Sub(now)}, nil
	}

	idx := -1
	if len(st.creds) > 0 {
		var wait time.Duration
		if idx, wait = st.pickCredential(now); idx < 0 {
			return Grant{Wait: wait}, nil
		}
	}

	if st.pacer != nil {
		r := st.pacer.ReserveN(now, 1)
		if d := r.DelayFrom(now); d > 0 {
			r.CancelAt(now)
			return Grant{Wait: d}, nil
		}
	}

	st.used++
	if idx < 0 {
		return Grant{}, nil
	}
	// The rotation only advances once the call is actually granted.
	st.next = (idx + 1) % len(st.creds)
	cred := st.creds[idx]
	cred.CooldownUntil = nil
	cred.UsedCount++
	cp := *cred
	return Grant{Credential: &cp}, nil
}

// Release records the outcome of a call made with a grant from Acquire.
// Auth and throttling failures put the credential (or a keyless source) on
// cooldown so the next Acquire rotates away from it.
func (l *Limiter) Release(source string, cred *models.SourceCredential, outcome Outcome) error {
	st, err := l.state(source)
	if err != nil {
		return err
	}
	now := l.now()

	st.mu.Lock()
	defer st.mu.Unlock()

	switch outcome {
	case OutcomeSuccess, OutcomeMalformed:
		st.lastSuccess = now
		return nil
	case OutcomeAuthFailure, OutcomeRateLimited:
		until := now.Add(st.policy.Cooldown)
		if c := st.find(cred); c != nil {
			c.CooldownUntil = &until
		} else {
			st.cooldownUntil = until
		}
	}
	st.lastFailure = now
	st.lastFailureKind = outcome
	return nil
}

func (st *sourceState) rollWindow(now time.Time) {
	if st.policy.QuotaWindow <= 0 {
		return
	}
	if !now.Before(st.windowStart.Add(st.policy.QuotaWindow)) {
		elapsed := now.Sub(st.windowStart)
		st.windowStart = st.windowStart.Add(elapsed - elapsed%st.policy.QuotaWindow)
		st.used = 0
		for _, c := range st.creds {
			c.UsedCount = 0
		}
	}
}

// pickCredential returns the next live credential round-robin, or -1 and
// the time until the earliest cooldown ends. It does not move the rotation.
func (st *sourceState) pickCredential(now time.Time) (int, time.Duration) {
	n := len(st.creds)
	var earliest time.Time
	for i := 0; i < n; i++ {
		idx := (st.next + i) % n
		c := st.creds[idx]
		if c.CooldownUntil == nil || !now.Before(*c.CooldownUntil) {
			return idx, 0
		}
		if earliest.IsZero() || c.CooldownUntil.Before(earliest) {
			earliest = *c.CooldownUntil
		}
	}
	return -1, earliest.Sub(now)
}

func (st *sourceState) find(cred *models.SourceCredential) *models.SourceCredential {
	if cred == nil {
		return nil
	}
	for _, c := range st.creds {
		if c.KeyMaterial == cred.KeyMaterial {
			return c
		}
	}
	return nil
}
