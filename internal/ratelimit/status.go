package ratelimit

import (
	"sort"
	"time"
)

// CredentialState is the printable view of one credential.
type CredentialState struct {
	Key           string     `json:"key"`
	UsedCount     int        `json:"used_count"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}

// SourceState is the operator view of one source's limiter.
type SourceState struct {
	Name            string            `json:"name"`
	QuotaUsed       int               `json:"quota_used"`
	QuotaLimit      int               `json:"quota_limit"`
	WindowResetsAt  *time.Time        `json:"window_resets_at,omitempty"`
	CooldownUntil   *time.Time        `json:"cooldown_until,omitempty"`
	LastSuccessAt   *time.Time        `json:"last_success_at,omitempty"`
	LastFailureAt   *time.Time        `json:"last_failure_at,omitempty"`
	LastFailureKind string            `json:"last_failure_kind,omitempty"`
	Credentials     []CredentialState `json:"credentials"`
}

// Snapshot returns the state of every registered source sorted by name.
func (l *Limiter) Snapshot() []SourceState {
	l.mu.RLock()
	names := make([]string, 0, len(l.sources))
	states := make(map[string]*sourceState, len(l.sources))
	for name, st := range l.sources {
		names = append(names, name)
		states[name] = st
	}
	l.mu.RUnlock()
	sort.Strings(names)

	now := l.now()
	out := make([]SourceState, 0, len(names))
	for _, name := range names {
		st := states[name]
		st.mu.Lock()
		st.rollWindow(now)
		s := SourceState{
			Name:            name,
			QuotaUsed:       st.used,
			QuotaLimit:      st.policy.QuotaLimit,
			LastSuccessAt:   timePtr(st.lastSuccess),
			LastFailureAt:   timePtr(st.lastFailure),
			LastFailureKind: string(st.lastFailureKind),
			Credentials:     make([]CredentialState, 0, len(st.creds)),
		}
		if st.policy.QuotaWindow > 0 {
			s.WindowResetsAt = timePtr(st.windowStart.Add(st.policy.QuotaWindow))
		}
		if now.Before(st.cooldownUntil) {
			s.CooldownUntil = timePtr(st.cooldownUntil)
		}
		for _, c := range st.creds {
			cs := CredentialState{Key: c.Masked(), UsedCount: c.UsedCount}
			if c.CooldownUntil != nil && now.Before(*c.CooldownUntil) {
				cs.CooldownUntil = timePtr(*c.CooldownUntil)
			}
			s.Credentials = append(s.Credentials, cs)
		}
		st.mu.Unlock()
		out = append(out, s)
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
