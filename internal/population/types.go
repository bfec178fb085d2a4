// Package population holds the survey platform's population domain
// model and its Postgres-backed record store: populations, persons and
// the many-to-many membership relation between them.
package population

import (
	"time"

	"github.com/google/uuid"
)

// Status is a population's lifecycle state. It is mutated only by the
// job orchestrator's lifecycle hooks, or by the API at creation time.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusWorking   Status = "working"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Population is a named, owned collection of person records. A
// population derived by segmentation carries its parent's id.
type Population struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	OwnerID   string     `json:"owner_id"`
	ParentID  *uuid.UUID `json:"parent_population_id,omitempty"`
	Status    Status     `json:"status"`
	JobID     *uuid.UUID `json:"job_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Person is a single record. Persons are owned independently of any
// population and joined through the membership relation. CustomFields
// is an open, schemaless map and the unit of filtering.
type Person struct {
	ID           uuid.UUID         `json:"id"`
	Email        string            `json:"email"`
	Name         string            `json:"name,omitempty"`
	Phone        string            `json:"phone,omitempty"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// PersonInput is a row parsed from an upload, not yet persisted.
type PersonInput struct {
	Email        string
	Name         string
	Phone        string
	CustomFields map[string]string
}
