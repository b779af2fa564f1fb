package discovery

import (
	"github.com/david/grant-discovery/internal/ratelimit"
)

// SourceStatus is the health view of one source.
type SourceStatus struct {
	ratelimit.SourceState
	Strategy string `json:"strategy"`
	Enabled  bool   `json:"enabled"`
}

// Status reports per-source last success and cooldown state.
func (o *Orchestrator) Status() []SourceStatus {
	snap := o.limiter.Snapshot()
	out := make([]SourceStatus, 0, len(snap))
	for _, s := range snap {
		src, ok := o.sources[s.Name]
		if !ok {
			continue
		}
		out = append(out, SourceStatus{
			SourceState: s,
			Strategy:    src.Config.Strategy,
			Enabled:     src.Config.IsEnabled(),
		})
	}
	return out
}
