package models

import (
	"fmt"
	"time"
)

// CacheEntry maps a query signature to the ordered dedup keys it produced.
type CacheEntry struct {
	Signature  string        `json:"signature"`
	ProfileKey string        `json:"profile_key"`
	ResultIDs  []string      `json:"result_ids"`
	CreatedAt  time.Time     `json:"created_at"`
	TTL        time.Duration `json:"ttl"`
}

func (e CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.CreatedAt.Add(e.TTL))
}

// SourceCredential is one rotatable key for a source.
type SourceCredential struct {
	SourceName    string        `json:"source_name"`
	KeyMaterial   string        `json:"-"`
	QuotaWindow   time.Duration `json:"quota_window"`
	UsedCount     int           `json:"used_count"`
	CooldownUntil *time.Time    `json:"cooldown_until,omitempty"`
}

// Masked returns a printable hint of the key.
func (c SourceCredential) Masked() string {
	k := c.KeyMaterial
	if len(k) <= 4 {
		return "****"
	}
	return fmt.Sprintf("****%s", k[len(k)-4:])
}

// RankedResult is what discover hands back to callers.
type RankedResult struct {
	Records       []Opportunity `json:"records"`
	Degraded      bool          `json:"degraded"`
	SourcesFailed []string      `json:"sources_failed"`
	CacheHit      bool          `json:"cache_hit"`
	Signature     string        `json:"signature"`
	Pending       int           `json:"pending_scores"`
}

// DiscoveryRun is the log line kept for every source fan-out.
type DiscoveryRun struct {
	ID            string    `json:"id"`
	Signature     string    `json:"signature"`
	SourcesOK     []string  `json:"sources_ok"`
	SourcesFailed []string  `json:"sources_failed"`
	Records       int       `json:"records"`
	StartedAt     time.Time `json:"started_at"`
	DurationMS    int64     `json:"duration_ms"`
}
