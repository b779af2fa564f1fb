package scoring

import (
	"strings"

	"github.com/david/grant-discovery/internal/models"
)

// TaskKind names the kind of judgement a scoring task asks for.
type TaskKind string

const (
	TaskPrefilter  TaskKind = "prefilter"
	TaskFinalScore TaskKind = "final_score"
	TaskNarrative  TaskKind = "narrative_quality"
)

const (
	TagSimple          = "simple"
	TagQualityCritical = "quality-critical"
)

// DefaultMaxCheapContent is the prompt size above which even simple tasks
// go to the expensive model.
const DefaultMaxCheapContent = 12000

type Task struct {
	Kind          TaskKind
	Tags          []string
	ContentLength int
}

// Router picks the model tier for a task. Anything it cannot place goes to
// the expensive tier.
type Router struct {
	MaxCheapContent int
}

func (r Router) Classify(t Task) models.ModelTier {
	if hasTag(t.Tags, TagQualityCritical) {
		return models.TierExpensive
	}
	switch t.Kind {
	case TaskFinalScore, TaskNarrative:
		return models.TierExpensive
	}
	if t.Kind == TaskPrefilter || hasTag(t.Tags, TagSimple) {
		limit := r.MaxCheapContent
		if limit <= 0 {
			limit = DefaultMaxCheapContent
		}
		if t.ContentLength > limit {
			return models.TierExpensive
		}
		return models.TierCheap
	}
	return models.TierExpensive
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(strings.TrimSpace(t), want) {
			return true
		}
	}
	return false
}
