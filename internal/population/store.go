package population

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrNotFound is returned when a population does not exist.
var ErrNotFound = errors.New("population not found")

// Store provides access to populations, persons and the membership
// relation. All membership writes are idempotent so that job retries
// and concurrent unrelated jobs never corrupt the relation.
type Store struct {
	db *sql.DB
}

// NewStore creates a store backed by the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreatePopulation inserts a new population in queued state and returns it.
func (s *Store) CreatePopulation(ctx context.Context, name, ownerID string, parent *uuid.UUID) (*Population, error) {
	p := &Population{
		ID:       uuid.New(),
		Name:     name,
		OwnerID:  ownerID,
		ParentID: parent,
		Status:   StatusQueued,
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO survey_populations (id, name, owner_id, parent_population_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		RETURNING created_at, updated_at
	`, p.ID, p.Name, p.OwnerID, p.ParentID, p.Status).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create population: %w", err)
	}
	return p, nil
}

// Get fetches a population by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Population, error) {
	p := &Population{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner_id, parent_population_id, status, job_id, created_at, updated_at
		FROM survey_populations
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.OwnerID, &p.ParentID, &p.Status, &p.JobID, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get population: %w", err)
	}
	return p, nil
}

// List returns an owner's populations, newest first.
func (s *Store) List(ctx context.Context, ownerID string) ([]Population, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, owner_id, parent_population_id, status, job_id, created_at, updated_at
		FROM survey_populations
		WHERE owner_id = $1
		ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list populations: %w", err)
	}
	defer rows.Close()

	var out []Population
	for rows.Next() {
		var p Population
		if err := rows.Scan(&p.ID, &p.Name, &p.OwnerID, &p.ParentID, &p.Status, &p.JobID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan population: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Delete removes a population. The membership relation cascades via FK;
// persons are owned independently and survive.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM survey_populations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete population: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus transitions a population's lifecycle state.
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE survey_populations SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("update population status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertPersons bulk-creates person records and attaches them to the
// population in one transaction, using COPY for throughput on large
// upload batches. IDs are generated client-side so the membership rows
// can be copied in the same round trip; brand-new ids cannot conflict.
func (s *Store) InsertPersons(ctx context.Context, populationID uuid.UUID, rows []PersonInput) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	txn, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert persons: %w", err)
	}
	defer txn.Rollback()

	now := time.Now()
	ids := make([]uuid.UUID, len(rows))

	stmt, err := txn.Prepare(pq.CopyIn(
		"survey_persons",
		"id", "email", "name", "phone", "custom_fields", "created_at", "updated_at",
	))
	if err != nil {
		return 0, fmt.Errorf("prepare persons COPY: %w", err)
	}
	for i, row := range rows {
		ids[i] = uuid.New()
		fields := "{}"
		if len(row.CustomFields) > 0 {
			if data, err := json.Marshal(row.CustomFields); err == nil {
				fields = string(data)
			}
		}
		if _, err := stmt.Exec(ids[i], row.Email, row.Name, row.Phone, fields, now, now); err != nil {
			stmt.Close()
			return 0, fmt.Errorf("copy person row: %w", err)
		}
	}
	if _, err := stmt.Exec(); err != nil {
		stmt.Close()
		return 0, fmt.Errorf("flush persons COPY: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return 0, fmt.Errorf("close persons COPY: %w", err)
	}

	memberStmt, err := txn.Prepare(pq.CopyIn(
		"survey_population_members",
		"population_id", "person_id", "added_at",
	))
	if err != nil {
		return 0, fmt.Errorf("prepare members COPY: %w", err)
	}
	for _, id := range ids {
		if _, err := memberStmt.Exec(populationID, id, now); err != nil {
			memberStmt.Close()
			return 0, fmt.Errorf("copy member row: %w", err)
		}
	}
	if _, err := memberStmt.Exec(); err != nil {
		memberStmt.Close()
		return 0, fmt.Errorf("flush members COPY: %w", err)
	}
	if err := memberStmt.Close(); err != nil {
		return 0, fmt.Errorf("close members COPY: %w", err)
	}

	if err := txn.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert persons: %w", err)
	}
	return len(rows), nil
}

// AddMembers attaches existing persons to a population. Duplicate
// (population, person) pairs are silently ignored, so the call is safe
// to retry after a mid-batch failure. Returns rows actually inserted.
func (s *Store) AddMembers(ctx context.Context, populationID uuid.UUID, personIDs []uuid.UUID) (int64, error) {
	if len(personIDs) == 0 {
		return 0, nil
	}
	ids := make([]string, len(personIDs))
	for i, id := range personIDs {
		ids[i] = id.String()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO survey_population_members (population_id, person_id, added_at)
		SELECT $1, unnest($2::uuid[]), NOW()
		ON CONFLICT (population_id, person_id) DO NOTHING
	`, populationID, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("add members: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PageMembers returns one page of a population's members in stable
// person-id order, 1-based page numbering. It reads one row past the
// page size to report whether another page exists.
func (s *Store) PageMembers(ctx context.Context, populationID uuid.UUID, page, pageSize int) ([]Person, bool, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}
	offset := (page - 1) * pageSize

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.email, p.name, p.phone, p.custom_fields, p.created_at, p.updated_at
		FROM survey_persons p
		JOIN survey_population_members m ON m.person_id = p.id
		WHERE m.population_id = $1
		ORDER BY p.id
		LIMIT $2 OFFSET $3
	`, populationID, pageSize+1, offset)
	if err != nil {
		return nil, false, fmt.Errorf("page members: %w", err)
	}
	defer rows.Close()

	var members []Person
	for rows.Next() {
		var p Person
		var name, phone sql.NullString
		var fields []byte
		if err := rows.Scan(&p.ID, &p.Email, &name, &phone, &fields, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, false, fmt.Errorf("scan member: %w", err)
		}
		p.Name = name.String
		p.Phone = phone.String
		if len(fields) > 0 {
			// Tolerate malformed rows rather than failing the page.
			_ = json.Unmarshal(fields, &p.CustomFields)
		}
		members = append(members, p)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate members: %w", err)
	}

	hasNext := len(members) > pageSize
	if hasNext {
		members = members[:pageSize]
	}
	return members, hasNext, nil
}

// CountMembers returns the population's membership size.
func (s *Store) CountMembers(ctx context.Context, populationID uuid.UUID) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM survey_population_members WHERE population_id = $1
	`, populationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count members: %w", err)
	}
	return n, nil
}
