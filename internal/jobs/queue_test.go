package jobs

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/survey-platform/internal/population"
)

func newMockQueue(t *testing.T) (*Queue, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewQueue(db, nil), mock
}

func newMockQueueWithRedis(t *testing.T) (*Queue, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		db.Close()
	})
	return NewQueue(db, client), mock, mr
}

func TestEnqueueUploadAdmitsFreshPopulation(t *testing.T) {
	q, mock := newMockQueue(t)
	popID := uuid.New()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, job_id FROM survey_populations")).
		WithArgs(popID).
		WillReturnRows(sqlmock.NewRows([]string{"status", "job_id"}).AddRow("queued", nil))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO survey_jobs")).
		WillReturnRows(sqlmock.NewRows([]string{"scheduled_at", "created_at", "updated_at"}).AddRow(now, now, now))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE survey_populations SET status = 'queued', job_id = $2")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	job, err := q.EnqueueUpload(context.Background(), UploadPayload{
		FilePath:     "uploads/people.csv",
		PopulationID: popID,
		UserID:       "u1",
	}, EnqueueOptions{})
	require.NoError(t, err)
	assert.Equal(t, TypeUpload, job.Type)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, defaultMaxAttempts, job.MaxAttempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueRejectsBusyPopulation(t *testing.T) {
	q, mock := newMockQueue(t)
	popID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, job_id FROM survey_populations")).
		WithArgs(popID).
		WillReturnRows(sqlmock.NewRows([]string{"status", "job_id"}).AddRow("working", uuid.New().String()))
	mock.ExpectRollback()

	_, err := q.EnqueueUpload(context.Background(), UploadPayload{PopulationID: popID}, EnqueueOptions{})
	assert.ErrorIs(t, err, ErrPopulationBusy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A completed population with an old job id may be re-targeted, for
// example by a fresh segmentation into it.
func TestEnqueueAdmitsCompletedPopulation(t *testing.T) {
	q, mock := newMockQueue(t)
	popID := uuid.New()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, job_id FROM survey_populations")).
		WithArgs(popID).
		WillReturnRows(sqlmock.NewRows([]string{"status", "job_id"}).AddRow("completed", uuid.New().String()))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO survey_jobs")).
		WillReturnRows(sqlmock.NewRows([]string{"scheduled_at", "created_at", "updated_at"}).AddRow(now, now, now))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE survey_populations")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := q.EnqueueUpload(context.Background(), UploadPayload{PopulationID: popID}, EnqueueOptions{})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueMissingPopulation(t *testing.T) {
	q, mock := newMockQueue(t)
	popID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, job_id FROM survey_populations")).
		WithArgs(popID).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := q.EnqueueUpload(context.Background(), UploadPayload{PopulationID: popID}, EnqueueOptions{})
	assert.ErrorIs(t, err, population.ErrNotFound)
}

func TestClaimEmptyQueue(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE survey_jobs")).
		WillReturnError(sql.ErrNoRows)

	job, err := q.Claim(context.Background(), "w1", TypeUpload)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClaimReturnsOldestRunnable(t *testing.T) {
	q, mock := newMockQueue(t)
	jobID := uuid.New()
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WithArgs("w1", TypeUpload).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "job_type", "payload", "status", "attempts", "max_attempts",
			"backoff_seconds", "progress", "scheduled_at", "created_at", "updated_at",
		}).AddRow(jobID.String(), "population_upload", []byte(`{}`), "claimed", 1, 3, 30, 0, now, now, now))

	job, err := q.Claim(context.Background(), "w1", TypeUpload)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, 1, job.Attempts, "claim charges the attempt")
	assert.Equal(t, "w1", job.WorkerID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailRequeuesWithExponentialBackoff(t *testing.T) {
	tests := []struct {
		attempts  int
		wantDelay int
	}{
		{1, 30},
		{2, 60},
		{3, 120},
	}
	for _, tt := range tests {
		q, mock := newMockQueue(t)
		job := &Job{ID: uuid.New(), Attempts: tt.attempts, MaxAttempts: 5, BackoffSeconds: 30}

		mock.ExpectExec(regexp.QuoteMeta("SET status = 'queued'")).
			WithArgs(job.ID, "boom", tt.wantDelay).
			WillReturnResult(sqlmock.NewResult(0, 1))

		requeued, err := q.Fail(context.Background(), job, errors.New("boom"))
		require.NoError(t, err)
		assert.True(t, requeued, "attempts=%d", tt.attempts)
		assert.NoError(t, mock.ExpectationsWereMet())
	}
}

func TestFailTerminalWhenBudgetSpent(t *testing.T) {
	q, mock := newMockQueue(t)
	job := &Job{ID: uuid.New(), Attempts: 3, MaxAttempts: 3, BackoffSeconds: 30}

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'failed'")).
		WithArgs(job.ID, "boom").
		WillReturnResult(sqlmock.NewResult(0, 1))

	requeued, err := q.Fail(context.Background(), job, errors.New("boom"))
	require.NoError(t, err)
	assert.False(t, requeued)
}

func TestFailTerminalOnNonRetryable(t *testing.T) {
	q, mock := newMockQueue(t)
	job := &Job{ID: uuid.New(), Attempts: 1, MaxAttempts: 3, BackoffSeconds: 30}

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'failed'")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	requeued, err := q.Fail(context.Background(), job, NonRetryable(errors.New("no email column")))
	require.NoError(t, err)
	assert.False(t, requeued, "input errors never retry")
}

func TestCompleteSetsProgress100(t *testing.T) {
	q, mock, mr := newMockQueueWithRedis(t)
	jobID := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'completed', progress = 100")).
		WithArgs(jobID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, q.Complete(context.Background(), jobID))
	assert.NoError(t, mock.ExpectationsWereMet())

	// The cached snapshot moves to 100 as well, so polls that hit Redis
	// see the finished state immediately.
	val, err := mr.Get(progressKey(jobID))
	require.NoError(t, err)
	assert.Equal(t, "100", val)
}

func TestUpdateProgressCachesInRedis(t *testing.T) {
	q, mock, mr := newMockQueueWithRedis(t)
	jobID := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE survey_jobs SET progress")).
		WithArgs(jobID, 42).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, q.UpdateProgress(context.Background(), jobID, 42))

	val, err := mr.Get(progressKey(jobID))
	require.NoError(t, err)
	assert.Equal(t, "42", val)
}

func TestProgressPrefersRedisSnapshot(t *testing.T) {
	q, _, mr := newMockQueueWithRedis(t)
	jobID := uuid.New()
	mr.Set(progressKey(jobID), "87")

	pct, err := q.Progress(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, 87, pct)
}

func TestProgressFallsBackToDatabase(t *testing.T) {
	q, mock, _ := newMockQueueWithRedis(t)
	jobID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT progress FROM survey_jobs")).
		WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows([]string{"progress"}).AddRow(63))

	pct, err := q.Progress(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, 63, pct)
}

func TestRemoveQueuedJob(t *testing.T) {
	q, mock := newMockQueue(t)
	jobID := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM survey_jobs WHERE id = $1 AND status = 'queued'")).
		WithArgs(jobID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, q.Remove(context.Background(), jobID))
}

func TestRemoveClaimedJob(t *testing.T) {
	q, mock := newMockQueue(t)
	jobID := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM survey_jobs")).
		WithArgs(jobID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM survey_jobs")).
		WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("claimed"))

	assert.ErrorIs(t, q.Remove(context.Background(), jobID), ErrJobActive)
}

func TestRemoveMissingJob(t *testing.T) {
	q, mock := newMockQueue(t)
	jobID := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM survey_jobs")).
		WithArgs(jobID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM survey_jobs")).
		WithArgs(jobID).
		WillReturnError(sql.ErrNoRows)

	assert.ErrorIs(t, q.Remove(context.Background(), jobID), ErrJobNotFound)
}

func TestBackoffDelayDoubles(t *testing.T) {
	assert.Equal(t, 30*time.Second, backoffDelay(30, 1))
	assert.Equal(t, 60*time.Second, backoffDelay(30, 2))
	assert.Equal(t, 240*time.Second, backoffDelay(30, 4))
}
