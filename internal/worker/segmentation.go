package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/survey-platform/internal/jobs"
	"github.com/ignite/survey-platform/internal/population"
)

// SegmentPageSize is how many source members each segmentation step
// reads, filters and checkpoints at a time.
const SegmentPageSize = 1000

// SegmentStore is the slice of the population store segmentation needs.
type SegmentStore interface {
	PageMembers(ctx context.Context, populationID uuid.UUID, page, pageSize int) ([]population.Person, bool, error)
	AddMembers(ctx context.Context, populationID uuid.UUID, personIDs []uuid.UUID) (int64, error)
}

// SegmentationPipeline walks a source population page by page,
// evaluates the job's filter against each person, and attaches the
// matches to the destination population. Membership writes are
// idempotent, so replaying a page after a crash cannot double-add.
type SegmentationPipeline struct {
	store SegmentStore
}

// NewSegmentationPipeline wires the pipeline to its member store.
func NewSegmentationPipeline(store SegmentStore) *SegmentationPipeline {
	return &SegmentationPipeline{store: store}
}

// Run executes one segmentation attempt, resuming after the last page
// the checkpoint recorded.
func (s *SegmentationPipeline) Run(ctx context.Context, p *jobs.SegmentationPayload, cp Checkpointer) error {
	page := p.LastSuccessfulPage + 1
	for {
		members, hasNext, err := s.store.PageMembers(ctx, p.FromPopulationID, page, SegmentPageSize)
		if err != nil {
			return fmt.Errorf("read page %d: %w", page, err)
		}

		var matched []uuid.UUID
		for i := range members {
			if p.Filter.Match(filterFields(&members[i])) {
				matched = append(matched, members[i].ID)
			}
		}
		if len(matched) > 0 {
			if _, err := s.store.AddMembers(ctx, p.ToPopulationID, matched); err != nil {
				return fmt.Errorf("attach page %d matches: %w", page, err)
			}
		}

		p.LastSuccessfulPage = page
		if err := cp.UpdateData(ctx, p); err != nil {
			return err
		}
		if err := cp.UpdateProgress(ctx, pageProgress(page, p.Total)); err != nil {
			return err
		}

		if !hasNext {
			return nil
		}
		page++
	}
}

// filterFields flattens a person into the string map the filter engine
// evaluates. Custom fields carry the open attributes; the fixed columns
// are exposed under their own names unless a custom field shadows them.
func filterFields(p *population.Person) map[string]string {
	fields := make(map[string]string, len(p.CustomFields)+3)
	fields["email"] = p.Email
	if p.Name != "" {
		fields["name"] = p.Name
	}
	if p.Phone != "" {
		fields["phone"] = p.Phone
	}
	for k, v := range p.CustomFields {
		fields[k] = v
	}
	return fields
}

// pageProgress maps pages-processed to 0-99, leaving 100 for the
// completion hook.
func pageProgress(page int, total int64) int {
	if total <= 0 {
		return 0
	}
	pct := int(float64(page) * float64(SegmentPageSize) / float64(total) * 99)
	if pct > 99 {
		pct = 99
	}
	return pct
}
