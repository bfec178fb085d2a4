package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ignite/survey-platform/internal/jobs"
	"github.com/ignite/survey-platform/internal/population"
	"github.com/ignite/survey-platform/internal/storage"
)

// =============================================================================
// RUNNER — Claims Jobs And Maps Outcomes Onto Population Lifecycle
// =============================================================================
// Pipelines know nothing about populations' status or uploaded files.
// The runner owns those side effects so they fire exactly once per
// outcome: working on claim, completed plus file cleanup on success,
// failed plus file cleanup when the retry budget is spent. A retryable
// failure touches neither; the job simply waits for its next attempt.

// JobQueue is the queue surface the runner drives.
type JobQueue interface {
	Claim(ctx context.Context, workerID string, t jobs.Type) (*jobs.Job, error)
	Heartbeat(ctx context.Context, jobID uuid.UUID) error
	UpdateData(ctx context.Context, jobID uuid.UUID, payload any) error
	UpdateProgress(ctx context.Context, jobID uuid.UUID, percent int) error
	Complete(ctx context.Context, jobID uuid.UUID) error
	Fail(ctx context.Context, job *jobs.Job, jobErr error) (bool, error)
}

// StatusStore updates population lifecycle state.
type StatusStore interface {
	UpdateStatus(ctx context.Context, id uuid.UUID, status population.Status) error
}

// Options sizes the worker pools and timing loops.
type Options struct {
	WorkerID            string
	UploadWorkers       int
	SegmentationWorkers int
	PollInterval        time.Duration
	HeartbeatInterval   time.Duration
}

func (o *Options) applyDefaults() {
	if o.WorkerID == "" {
		o.WorkerID = fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	}
	if o.UploadWorkers < 1 {
		o.UploadWorkers = 4
	}
	if o.SegmentationWorkers < 1 {
		o.SegmentationWorkers = 4
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
}

// Runner polls the queue and dispatches claimed jobs to pipelines.
type Runner struct {
	queue        JobQueue
	populations  StatusStore
	files        storage.Store
	upload       *UploadPipeline
	segmentation *SegmentationPipeline
	opts         Options
}

// NewRunner assembles a runner. Options zero values fall back to
// defaults.
func NewRunner(queue JobQueue, populations StatusStore, files storage.Store,
	upload *UploadPipeline, segmentation *SegmentationPipeline, opts Options) *Runner {
	opts.applyDefaults()
	return &Runner{
		queue:        queue,
		populations:  populations,
		files:        files,
		upload:       upload,
		segmentation: segmentation,
		opts:         opts,
	}
}

// Start runs the per-type worker pools until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	log.Printf("[Runner] Starting (id=%s, upload=%d, segmentation=%d, poll=%s)",
		r.opts.WorkerID, r.opts.UploadWorkers, r.opts.SegmentationWorkers, r.opts.PollInterval)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.opts.UploadWorkers; i++ {
		g.Go(func() error { return r.pollLoop(ctx, jobs.TypeUpload) })
	}
	for i := 0; i < r.opts.SegmentationWorkers; i++ {
		g.Go(func() error { return r.pollLoop(ctx, jobs.TypeSegmentation) })
	}
	err := g.Wait()
	log.Println("[Runner] Stopped")
	return err
}

// pollLoop claims and processes jobs of one type until shutdown.
func (r *Runner) pollLoop(ctx context.Context, t jobs.Type) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		job, err := r.queue.Claim(ctx, r.opts.WorkerID, t)
		if err != nil {
			log.Printf("[Runner] claim error (%s): %v", t, err)
			job = nil
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.opts.PollInterval):
			}
			continue
		}
		r.process(ctx, job)
	}
}

// process runs one claimed job through its pipeline and applies the
// outcome hooks.
func (r *Runner) process(ctx context.Context, job *jobs.Job) {
	log.Printf("[Runner] %s job %s attempt %d/%d", job.Type, job.ID, job.Attempts, job.MaxAttempts)

	stopHeartbeat := r.startHeartbeat(ctx, job.ID)
	defer stopHeartbeat()

	var err error
	switch job.Type {
	case jobs.TypeUpload:
		err = r.runUpload(ctx, job)
	case jobs.TypeSegmentation:
		err = r.runSegmentation(ctx, job)
	default:
		err = jobs.NonRetryable(fmt.Errorf("unknown job type %q", job.Type))
		if _, fErr := r.queue.Fail(ctx, job, err); fErr != nil {
			log.Printf("[Runner] fail bookkeeping error for %s: %v", job.ID, fErr)
		}
	}

	if err == nil {
		log.Printf("[Runner] job %s completed", job.ID)
		return
	}
	log.Printf("[Runner] job %s attempt %d failed: %v", job.ID, job.Attempts, err)
}

// startHeartbeat keeps the job's liveness marker fresh while the
// pipeline runs, so the recovery scanner leaves it alone.
func (r *Runner) startHeartbeat(ctx context.Context, jobID uuid.UUID) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := r.queue.Heartbeat(hbCtx, jobID); err != nil {
					log.Printf("[Runner] heartbeat error for %s: %v", jobID, err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (r *Runner) runUpload(ctx context.Context, job *jobs.Job) error {
	var payload jobs.UploadPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		err = jobs.NonRetryable(fmt.Errorf("decode upload payload: %w", err))
		r.finishUpload(ctx, job, &payload, err)
		return err
	}

	if err := r.populations.UpdateStatus(ctx, payload.PopulationID, population.StatusWorking); err != nil {
		log.Printf("[Runner] mark working failed for %s: %v", payload.PopulationID, err)
	}

	err := r.upload.Run(ctx, &payload, &jobHandle{queue: r.queue, jobID: job.ID})
	r.finishUpload(ctx, job, &payload, err)
	return err
}

// finishUpload applies upload outcome hooks. The uploaded file is
// deleted on completion and on terminal failure; a retryable failure
// keeps it so the next attempt can resume.
func (r *Runner) finishUpload(ctx context.Context, job *jobs.Job, payload *jobs.UploadPayload, err error) {
	if err == nil {
		if cErr := r.queue.Complete(ctx, job.ID); cErr != nil {
			log.Printf("[Runner] complete failed for %s: %v", job.ID, cErr)
		}
		r.setStatus(ctx, payload.PopulationID, population.StatusCompleted)
		r.deleteFile(ctx, payload.FilePath)
		return
	}

	requeued, fErr := r.queue.Fail(ctx, job, err)
	if fErr != nil {
		log.Printf("[Runner] fail bookkeeping error for %s: %v", job.ID, fErr)
		return
	}
	if !requeued {
		r.setStatus(ctx, payload.PopulationID, population.StatusFailed)
		r.deleteFile(ctx, payload.FilePath)
	}
}

func (r *Runner) runSegmentation(ctx context.Context, job *jobs.Job) error {
	var payload jobs.SegmentationPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		err = jobs.NonRetryable(fmt.Errorf("decode segmentation payload: %w", err))
		r.finishSegmentation(ctx, job, &payload, err)
		return err
	}

	if err := r.populations.UpdateStatus(ctx, payload.ToPopulationID, population.StatusWorking); err != nil {
		log.Printf("[Runner] mark working failed for %s: %v", payload.ToPopulationID, err)
	}

	err := r.segmentation.Run(ctx, &payload, &jobHandle{queue: r.queue, jobID: job.ID})
	r.finishSegmentation(ctx, job, &payload, err)
	return err
}

func (r *Runner) finishSegmentation(ctx context.Context, job *jobs.Job, payload *jobs.SegmentationPayload, err error) {
	if err == nil {
		if cErr := r.queue.Complete(ctx, job.ID); cErr != nil {
			log.Printf("[Runner] complete failed for %s: %v", job.ID, cErr)
		}
		r.setStatus(ctx, payload.ToPopulationID, population.StatusCompleted)
		return
	}

	requeued, fErr := r.queue.Fail(ctx, job, err)
	if fErr != nil {
		log.Printf("[Runner] fail bookkeeping error for %s: %v", job.ID, fErr)
		return
	}
	if !requeued {
		r.setStatus(ctx, payload.ToPopulationID, population.StatusFailed)
	}
}

func (r *Runner) setStatus(ctx context.Context, id uuid.UUID, status population.Status) {
	if id == uuid.Nil {
		return
	}
	if err := r.populations.UpdateStatus(ctx, id, status); err != nil {
		log.Printf("[Runner] set status %s failed for %s: %v", status, id, err)
	}
}

func (r *Runner) deleteFile(ctx context.Context, path string) {
	if path == "" || r.files == nil {
		return
	}
	if err := r.files.Delete(ctx, path); err != nil {
		log.Printf("[Runner] delete upload %s failed: %v", path, err)
	}
}

// jobHandle binds the generic checkpoint interface to one job row.
type jobHandle struct {
	queue JobQueue
	jobID uuid.UUID
}

func (h *jobHandle) UpdateData(ctx context.Context, payload any) error {
	return h.queue.UpdateData(ctx, h.jobID, payload)
}

func (h *jobHandle) UpdateProgress(ctx context.Context, percent int) error {
	return h.queue.UpdateProgress(ctx, h.jobID, percent)
}
