// Package jobs implements the durable job queue behind the population
// pipelines: Postgres-backed storage with claim/retry/backoff
// semantics, Redis-cached progress, and per-population admission
// control. Pipelines never touch population status directly; the
// worker runner maps job outcomes to lifecycle transitions.
package jobs

import (
	"github.com/google/uuid"

	"github.com/ignite/survey-platform/internal/filter"
)

// Type identifies the pipeline a job runs.
type Type string

const (
	TypeUpload       Type = "population_upload"
	TypeSegmentation Type = "population_segmentation"
)

// UploadPayload is the wire format persisted with an upload job.
// LastRow and Total form the resume checkpoint: a restarted worker
// skips rows at or below LastRow+1 instead of reprocessing the file.
type UploadPayload struct {
	FilePath     string    `json:"filePath"`
	PopulationID uuid.UUID `json:"populationId"`
	UserID       string    `json:"userId"`
	LastRow      int64     `json:"lastRow"`
	Total        int64     `json:"total,omitempty"`
}

// SegmentationPayload is the wire format persisted with a segmentation
// job. LastSuccessfulPage is the resume checkpoint.
type SegmentationPayload struct {
	Filter             filter.Group `json:"filter"`
	FromPopulationID   uuid.UUID    `json:"fromPopulationId"`
	ToPopulationID     uuid.UUID    `json:"toPopulationId"`
	UserID             string       `json:"userId"`
	Total              int64        `json:"total"`
	LastSuccessfulPage int          `json:"lastSuccessfulPage"`
}
