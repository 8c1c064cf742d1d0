package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/ASTGD/ValidEmailVerifierGUI-sub000/internal/errors"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/jobstore"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/output"
)

// JobReader is the read side of the job repository.
type JobReader interface {
	GetJob(ctx context.Context, id string) (*jobstore.Job, error)
	GetChunks(ctx context.Context, jobID string) ([]jobstore.Chunk, error)
}

// JobsHandler serves read-only job and chunk status.
type JobsHandler struct {
	repo JobReader
}

func NewJobsHandler(repo JobReader) *JobsHandler {
	return &JobsHandler{repo: repo}
}

// GetJob serves GET /v1/jobs/{id}.
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.repo.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, output.NewJobRecord(job))
}

// ListChunks serves GET /v1/jobs/{id}/chunks.
func (h *JobsHandler) ListChunks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.repo.GetJob(r.Context(), id); err != nil {
		respondWithError(w, r, err)
		return
	}
	chunks, err := h.repo.GetChunks(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	views := make([]*output.ChunkRecord, 0, len(chunks))
	for i := range chunks {
		views = append(views, output.NewChunkRecord(&chunks[i]))
	}
	apperrors.WriteJSON(w, http.StatusOK, map[string]any{"job_id": id, "chunks": views})
}
