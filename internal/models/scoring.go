package models

import "time"

type ModelTier string

const (
	TierCheap     ModelTier = "cheap"
	TierExpensive ModelTier = "expensive"
)

type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobInFlight JobStatus = "in-flight"
	JobDone     JobStatus = "done"
	JobFailed   JobStatus = "failed"
)

// ScoringJob lives for the duration of a single model call.
type ScoringJob struct {
	BatchID   string    `json:"batch_id"`
	RecordIDs []string  `json:"record_ids"`
	Tier      ModelTier `json:"model_tier"`
	Status    JobStatus `json:"status"`
	Deadline  time.Time `json:"deadline"`
}

type ScoredResult struct {
	DedupKey    string    `json:"dedup_key"`
	Score       int       `json:"score"`
	Explanation string    `json:"explanation"`
	Highlights  []string  `json:"highlights"`
	Tier        ModelTier `json:"tier"`
}
