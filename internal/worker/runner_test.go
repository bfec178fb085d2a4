package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/survey-platform/internal/jobs"
	"github.com/ignite/survey-platform/internal/population"
)

// fakeQueue records outcome bookkeeping without a database.
type fakeQueue struct {
	requeue   bool // what Fail reports
	completed []uuid.UUID
	failed    []uuid.UUID
	failErrs  []error
}

func (f *fakeQueue) Claim(context.Context, string, jobs.Type) (*jobs.Job, error) { return nil, nil }
func (f *fakeQueue) Heartbeat(context.Context, uuid.UUID) error                  { return nil }
func (f *fakeQueue) UpdateData(context.Context, uuid.UUID, any) error            { return nil }
func (f *fakeQueue) UpdateProgress(context.Context, uuid.UUID, int) error        { return nil }

func (f *fakeQueue) Complete(_ context.Context, jobID uuid.UUID) error {
	f.completed = append(f.completed, jobID)
	return nil
}

func (f *fakeQueue) Fail(_ context.Context, job *jobs.Job, jobErr error) (bool, error) {
	f.failed = append(f.failed, job.ID)
	f.failErrs = append(f.failErrs, jobErr)
	return f.requeue, nil
}

// fakeStatus records population lifecycle transitions in order.
type fakeStatus struct {
	transitions map[uuid.UUID][]population.Status
}

func newFakeStatus() *fakeStatus {
	return &fakeStatus{transitions: make(map[uuid.UUID][]population.Status)}
}

func (f *fakeStatus) UpdateStatus(_ context.Context, id uuid.UUID, status population.Status) error {
	f.transitions[id] = append(f.transitions[id], status)
	return nil
}

func uploadJob(t *testing.T, payload jobs.UploadPayload, attempts, maxAttempts int) *jobs.Job {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &jobs.Job{
		ID:          uuid.New(),
		Type:        jobs.TypeUpload,
		Payload:     data,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
	}
}

func newTestRunner(queue JobQueue, status StatusStore, files *memFiles, members MemberWriter, segments SegmentStore) *Runner {
	return NewRunner(queue, status, files,
		NewUploadPipeline(files, members),
		NewSegmentationPipeline(segments),
		Options{WorkerID: "test-worker"})
}

func TestProcessUploadSuccess(t *testing.T) {
	files := newMemFiles()
	files.files["people.csv"] = []byte(uploadCSV)
	queue := &fakeQueue{}
	status := newFakeStatus()
	popID := uuid.New()

	r := newTestRunner(queue, status, files, &memMembers{}, newMemSegments(nil))
	job := uploadJob(t, jobs.UploadPayload{FilePath: "people.csv", PopulationID: popID}, 1, 3)
	r.process(context.Background(), job)

	assert.Equal(t, []population.Status{population.StatusWorking, population.StatusCompleted}, status.transitions[popID])
	assert.Equal(t, []uuid.UUID{job.ID}, queue.completed)
	assert.Empty(t, queue.failed)
	assert.Equal(t, []string{"people.csv"}, files.deletes, "upload removed after completion")
}

func TestProcessUploadRetryableFailureKeepsFile(t *testing.T) {
	files := newMemFiles()
	files.files["people.csv"] = []byte(uploadCSV)
	queue := &fakeQueue{requeue: true}
	status := newFakeStatus()
	popID := uuid.New()

	r := newTestRunner(queue, status, files, &memMembers{failAt: 1}, newMemSegments(nil))
	job := uploadJob(t, jobs.UploadPayload{FilePath: "people.csv", PopulationID: popID}, 1, 3)
	r.process(context.Background(), job)

	// Requeued: population stays working, the file survives for resume.
	assert.Equal(t, []population.Status{population.StatusWorking}, status.transitions[popID])
	assert.Empty(t, queue.completed)
	require.Len(t, queue.failed, 1)
	assert.Empty(t, files.deletes)
}

func TestProcessUploadTerminalFailure(t *testing.T) {
	files := newMemFiles()
	files.files["people.csv"] = []byte(uploadCSV)
	queue := &fakeQueue{requeue: false}
	status := newFakeStatus()
	popID := uuid.New()

	r := newTestRunner(queue, status, files, &memMembers{failAt: 1}, newMemSegments(nil))
	job := uploadJob(t, jobs.UploadPayload{FilePath: "people.csv", PopulationID: popID}, 3, 3)
	r.process(context.Background(), job)

	assert.Equal(t, []population.Status{population.StatusWorking, population.StatusFailed}, status.transitions[popID])
	assert.Empty(t, queue.completed)
	assert.Equal(t, []string{"people.csv"}, files.deletes, "file cleaned up exactly once on terminal failure")
}

func TestProcessUploadBadPayload(t *testing.T) {
	queue := &fakeQueue{}
	status := newFakeStatus()
	files := newMemFiles()

	r := newTestRunner(queue, status, files, &memMembers{}, newMemSegments(nil))
	job := &jobs.Job{ID: uuid.New(), Type: jobs.TypeUpload, Payload: []byte("not json"), Attempts: 1, MaxAttempts: 3}
	r.process(context.Background(), job)

	require.Len(t, queue.failErrs, 1)
	assert.True(t, jobs.IsNonRetryable(queue.failErrs[0]))
}

func TestProcessSegmentationSuccess(t *testing.T) {
	queue := &fakeQueue{}
	status := newFakeStatus()
	dst := uuid.New()

	segments := newMemSegments([]population.Person{person("a@x.com", "30")})
	r := newTestRunner(queue, status, newMemFiles(), &memMembers{}, segments)

	payload, err := json.Marshal(jobs.SegmentationPayload{
		Filter:           ageFilter("<", "100"),
		FromPopulationID: uuid.New(),
		ToPopulationID:   dst,
		Total:            1,
	})
	require.NoError(t, err)
	job := &jobs.Job{ID: uuid.New(), Type: jobs.TypeSegmentation, Payload: payload, Attempts: 1, MaxAttempts: 3}
	r.process(context.Background(), job)

	assert.Equal(t, []population.Status{population.StatusWorking, population.StatusCompleted}, status.transitions[dst])
	assert.Equal(t, []uuid.UUID{job.ID}, queue.completed)
	assert.Len(t, segments.added[dst], 1)
}

func TestProcessUnknownType(t *testing.T) {
	queue := &fakeQueue{}
	r := newTestRunner(queue, newFakeStatus(), newMemFiles(), &memMembers{}, newMemSegments(nil))

	job := &jobs.Job{ID: uuid.New(), Type: "mystery", Payload: []byte("{}"), Attempts: 1, MaxAttempts: 3}
	r.process(context.Background(), job)

	require.Len(t, queue.failErrs, 1)
	assert.True(t, jobs.IsNonRetryable(queue.failErrs[0]))
}
