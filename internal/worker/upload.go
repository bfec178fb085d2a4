// Package worker runs the population pipelines: claiming jobs from the
// durable queue, streaming uploads into the person store, evaluating
// segmentation filters, and mapping job outcomes onto population
// lifecycle state.
package worker

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/ignite/survey-platform/internal/jobs"
	"github.com/ignite/survey-platform/internal/population"
	"github.com/ignite/survey-platform/internal/storage"
)

// UploadBatchSize is how many parsed rows accumulate before a bulk
// insert and checkpoint write.
const UploadBatchSize = 10_000

// Checkpointer persists pipeline progress mid-run. UpdateData writes
// the job's payload (the resume checkpoint); UpdateProgress records the
// 0-100 figure status polls read.
type Checkpointer interface {
	UpdateData(ctx context.Context, payload any) error
	UpdateProgress(ctx context.Context, percent int) error
}

// MemberWriter is the slice of the population store the upload needs.
type MemberWriter interface {
	InsertPersons(ctx context.Context, populationID uuid.UUID, rows []population.PersonInput) (int, error)
}

// UploadPipeline streams a CSV file into a population. It never loads
// the whole file into memory; arbitrarily large uploads run in constant
// space. Checkpoints after each batch make a crashed or retried run
// resume where it left off instead of starting over.
type UploadPipeline struct {
	files   storage.Store
	members MemberWriter
}

// NewUploadPipeline wires the pipeline to its file and person stores.
func NewUploadPipeline(files storage.Store, members MemberWriter) *UploadPipeline {
	return &UploadPipeline{files: files, members: members}
}

// Run executes one upload attempt, mutating p as it checkpoints.
// Malformed input (unreadable file, missing email column) returns a
// non-retryable error; anything else is worth a retry.
func (u *UploadPipeline) Run(ctx context.Context, p *jobs.UploadPayload, cp Checkpointer) error {
	// First pass: count rows so progress has a denominator. The count
	// includes the header row, matching the row numbering below.
	if p.Total == 0 {
		total, err := u.countRows(ctx, p.FilePath)
		if err != nil {
			return jobs.NonRetryable(fmt.Errorf("count rows: %w", err))
		}
		p.Total = total
		if err := cp.UpdateData(ctx, p); err != nil {
			return err
		}
	}

	f, err := u.files.Open(ctx, p.FilePath)
	if err != nil {
		return jobs.NonRetryable(fmt.Errorf("open upload: %w", err))
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1 // ragged rows are tolerated, not fatal

	var header []string
	emailCol := -1
	var batch []population.PersonInput
	var batchLastRow int64
	var rowNumber int64

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := u.members.InsertPersons(ctx, p.PopulationID, batch); err != nil {
			return fmt.Errorf("insert batch ending row %d: %w", batchLastRow, err)
		}
		p.LastRow = batchLastRow
		if err := cp.UpdateData(ctx, p); err != nil {
			return err
		}
		if err := cp.UpdateProgress(ctx, scaledProgress(batchLastRow, p.Total)); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return jobs.NonRetryable(fmt.Errorf("read row %d: %w", rowNumber+1, err))
		}
		if isEmptyRecord(record) {
			continue
		}
		rowNumber++

		if rowNumber == 1 {
			header = normalizeHeader(record)
			emailCol = indexOf(header, "email")
			if emailCol < 0 {
				return jobs.NonRetryable(fmt.Errorf("upload has no email column"))
			}
			continue
		}
		if rowNumber <= p.LastRow {
			continue // already persisted by an earlier attempt
		}

		row := parseRow(header, emailCol, record)
		if row == nil {
			continue // no email, silently dropped
		}
		batch = append(batch, *row)
		batchLastRow = rowNumber

		if len(batch) >= UploadBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	return flush()
}

// countRows streams the file once and counts non-empty rows, header
// included.
func (u *UploadPipeline) countRows(ctx context.Context, path string) (int64, error) {
	f, err := u.files.Open(ctx, path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	var total int64
	for {
		record, err := reader.Read()
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return 0, err
		}
		if !isEmptyRecord(record) {
			total++
		}
	}
}

// scaledProgress maps rows-processed to 0-99. 100 is reserved for the
// completion hook so a resumed job never reports done early.
func scaledProgress(row, total int64) int {
	if total <= 0 {
		return 0
	}
	pct := int(float64(row) / float64(total) * 100)
	if pct > 99 {
		pct = 99
	}
	return pct
}

func isEmptyRecord(record []string) bool {
	for _, col := range record {
		if strings.TrimSpace(col) != "" {
			return false
		}
	}
	return true
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, col := range record {
		out[i] = strings.ToLower(strings.TrimSpace(col))
	}
	return out
}

func indexOf(cols []string, name string) int {
	for i, col := range cols {
		if col == name {
			return i
		}
	}
	return -1
}

// parseRow maps a CSV record onto a person. Known columns fill the
// person's own fields; everything else lands in custom fields. Rows
// without an email are dropped.
func parseRow(header []string, emailCol int, record []string) *population.PersonInput {
	if emailCol >= len(record) {
		return nil
	}
	email := strings.TrimSpace(record[emailCol])
	if email == "" {
		return nil
	}

	row := &population.PersonInput{Email: email}
	for i, col := range header {
		if i == emailCol || i >= len(record) {
			continue
		}
		val := strings.TrimSpace(record[i])
		if val == "" {
			continue
		}
		switch col {
		case "name":
			row.Name = val
		case "phone":
			row.Phone = val
		default:
			if row.CustomFields == nil {
				row.CustomFields = make(map[string]string)
			}
			row.CustomFields[col] = val
		}
	}
	return row
}
