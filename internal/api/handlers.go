// Package api exposes the survey platform over HTTP: population CRUD,
// CSV uploads, segmentation requests and job status polls. Handlers
// validate and enqueue; all heavy lifting happens in worker processes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/survey-platform/internal/filter"
	"github.com/ignite/survey-platform/internal/jobs"
	"github.com/ignite/survey-platform/internal/pkg/logger"
	"github.com/ignite/survey-platform/internal/population"
	"github.com/ignite/survey-platform/internal/storage"
)

// maxUploadBytes caps the multipart form memory, not the file size;
// larger files spill to disk while parsing.
const maxUploadBytes = 32 << 20

// PopulationStore is the population surface the handlers need.
type PopulationStore interface {
	CreatePopulation(ctx context.Context, name, ownerID string, parent *uuid.UUID) (*population.Population, error)
	Get(ctx context.Context, id uuid.UUID) (*population.Population, error)
	List(ctx context.Context, ownerID string) ([]population.Population, error)
	Delete(ctx context.Context, id uuid.UUID) error
	CountMembers(ctx context.Context, populationID uuid.UUID) (int64, error)
}

// JobQueue is the queue surface the handlers need.
type JobQueue interface {
	EnqueueUpload(ctx context.Context, p jobs.UploadPayload, opts jobs.EnqueueOptions) (*jobs.Job, error)
	EnqueueSegmentation(ctx context.Context, p jobs.SegmentationPayload, opts jobs.EnqueueOptions) (*jobs.Job, error)
	GetJob(ctx context.Context, jobID uuid.UUID) (*jobs.Job, error)
	Progress(ctx context.Context, jobID uuid.UUID) (int, error)
	Remove(ctx context.Context, jobID uuid.UUID) error
}

// Handlers carries the dependencies for all HTTP endpoints.
type Handlers struct {
	populations PopulationStore
	queue       JobQueue
	files       storage.Store
	enqueueOpts jobs.EnqueueOptions
}

// NewHandlers wires the handler set.
func NewHandlers(populations PopulationStore, queue JobQueue, files storage.Store, opts jobs.EnqueueOptions) *Handlers {
	return &Handlers{populations: populations, queue: queue, files: files, enqueueOpts: opts}
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// UploadPopulation accepts a multipart CSV upload, creates the
// population and enqueues the ingestion job. Returns 202: the upload is
// accepted, not yet ingested.
func (h *Handlers) UploadPopulation(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	name := r.FormValue("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	ownerID := userID(r)
	key := fmt.Sprintf("%d_%s", time.Now().UnixNano(), header.Filename)
	path, err := h.files.Save(r.Context(), key, file)
	if err != nil {
		logger.Error("upload save failed", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "could not store upload")
		return
	}

	pop, err := h.populations.CreatePopulation(r.Context(), name, ownerID, nil)
	if err != nil {
		logger.Error("create population failed", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "could not create population")
		return
	}

	job, err := h.queue.EnqueueUpload(r.Context(), jobs.UploadPayload{
		FilePath:     path,
		PopulationID: pop.ID,
		UserID:       ownerID,
	}, h.enqueueOpts)
	if err != nil {
		logger.Error("enqueue upload failed", "population", pop.ID.String(), "error", err.Error())
		// Nothing will ever process this upload; don't leave the file
		// and an empty queued population behind.
		if delErr := h.files.Delete(r.Context(), path); delErr != nil {
			logger.Warn("orphaned upload cleanup failed", "path", path, "error", delErr.Error())
		}
		if delErr := h.populations.Delete(r.Context(), pop.ID); delErr != nil {
			logger.Warn("orphaned population cleanup failed", "population", pop.ID.String(), "error", delErr.Error())
		}
		enqueueError(w, err)
		return
	}

	logger.Info("upload accepted", "population", pop.ID.String(), "job", job.ID.String(), "owner", ownerID)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"population": pop,
		"job_id":     job.ID,
	})
}

type segmentRequest struct {
	Name   string       `json:"name"`
	Filter filter.Group `json:"filter"`
}

// CreateSegment derives a child population from a completed source by
// enqueueing a segmentation job.
func (h *Handlers) CreateSegment(w http.ResponseWriter, r *http.Request) {
	sourceID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req segmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	source, err := h.populations.Get(r.Context(), sourceID)
	if err != nil {
		notFoundOr500(w, err)
		return
	}
	// Segmenting a population that is still ingesting (or failed) would
	// read a partial member set.
	if source.Status != population.StatusCompleted {
		writeError(w, http.StatusConflict, fmt.Sprintf("source population is %s, not completed", source.Status))
		return
	}

	total, err := h.populations.CountMembers(r.Context(), sourceID)
	if err != nil {
		logger.Error("count members failed", "population", sourceID.String(), "error", err.Error())
		writeError(w, http.StatusInternalServerError, "could not size source population")
		return
	}

	ownerID := userID(r)
	dest, err := h.populations.CreatePopulation(r.Context(), req.Name, ownerID, &sourceID)
	if err != nil {
		logger.Error("create segment failed", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "could not create population")
		return
	}

	job, err := h.queue.EnqueueSegmentation(r.Context(), jobs.SegmentationPayload{
		Filter:           req.Filter,
		FromPopulationID: sourceID,
		ToPopulationID:   dest.ID,
		UserID:           ownerID,
		Total:            total,
	}, h.enqueueOpts)
	if err != nil {
		logger.Error("enqueue segmentation failed", "population", dest.ID.String(), "error", err.Error())
		enqueueError(w, err)
		return
	}

	logger.Info("segmentation accepted", "source", sourceID.String(), "dest", dest.ID.String(), "job", job.ID.String())
	writeJSON(w, http.StatusAccepted, map[string]any{
		"population": dest,
		"job_id":     job.ID,
	})
}

// ListPopulations returns the caller's populations.
func (h *Handlers) ListPopulations(w http.ResponseWriter, r *http.Request) {
	pops, err := h.populations.List(r.Context(), userID(r))
	if err != nil {
		logger.Error("list populations failed", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "could not list populations")
		return
	}
	if pops == nil {
		pops = []population.Population{}
	}
	writeJSON(w, http.StatusOK, pops)
}

// GetPopulation returns one population with its member count.
func (h *Handlers) GetPopulation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	pop, err := h.populations.Get(r.Context(), id)
	if err != nil {
		notFoundOr500(w, err)
		return
	}
	count, err := h.populations.CountMembers(r.Context(), id)
	if err != nil {
		logger.Error("count members failed", "population", id.String(), "error", err.Error())
		writeError(w, http.StatusInternalServerError, "could not count members")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"population":   pop,
		"member_count": count,
	})
}

// DeletePopulation removes a population and its memberships.
func (h *Handlers) DeletePopulation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.populations.Delete(r.Context(), id); err != nil {
		notFoundOr500(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetJob returns a job's status and freshest progress figure.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	job, err := h.queue.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		logger.Error("get job failed", "job", id.String(), "error", err.Error())
		writeError(w, http.StatusInternalServerError, "could not load job")
		return
	}
	// The Redis snapshot can be ahead of the row read above.
	if pct, err := h.queue.Progress(r.Context(), id); err == nil && pct > job.Progress {
		job.Progress = pct
	}
	writeJSON(w, http.StatusOK, job)
}

// CancelJob removes a job that has not started. 409 once a worker owns
// it.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	err := h.queue.Remove(r.Context(), id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, jobs.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, jobs.ErrJobActive):
		writeError(w, http.StatusConflict, "job already claimed by a worker")
	default:
		logger.Error("cancel job failed", "job", id.String(), "error", err.Error())
		writeError(w, http.StatusInternalServerError, "could not cancel job")
	}
}

// userID identifies the caller. A real deployment terminates auth
// upstream and forwards the identity in this header.
func userID(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return "anonymous"
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

func notFoundOr500(w http.ResponseWriter, err error) {
	if errors.Is(err, population.ErrNotFound) {
		writeError(w, http.StatusNotFound, "population not found")
		return
	}
	logger.Error("population lookup failed", "error", err.Error())
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// enqueueError maps queue admission failures onto HTTP statuses.
func enqueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrPopulationBusy):
		writeError(w, http.StatusConflict, "population already has an active job")
	case errors.Is(err, population.ErrNotFound):
		writeError(w, http.StatusNotFound, "population not found")
	default:
		writeError(w, http.StatusInternalServerError, "could not enqueue job")
	}
}
