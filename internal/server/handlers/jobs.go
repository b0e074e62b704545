package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/3leaps/listwatch/internal/server/response"
	"github.com/3leaps/listwatch/pkg/jobstore"
)

// JobsResponse lists the tracked jobs.
type JobsResponse struct {
	Count int               `json:"count"`
	Jobs  []jobstore.Record `json:"jobs"`
}

// Jobs serves the read-only job endpoints.
type Jobs struct {
	Store jobstore.Store
}

// List serves GET /jobs.
func (h Jobs) List(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		unavailable(w)
		return
	}
	recs, err := h.Store.List(r.Context())
	if err != nil {
		internal(w, err)
		return
	}
	if recs == nil {
		recs = []jobstore.Record{}
	}
	response.JSON(w, http.StatusOK, JobsResponse{Count: len(recs), Jobs: recs})
}

// Get serves GET /jobs/{jobID}.
func (h Jobs) Get(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		unavailable(w)
		return
	}
	jobID := chi.URLParam(r, "jobID")
	rec, err := h.Store.Get(r.Context(), jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		response.Error(w, http.StatusNotFound, response.ErrorBody{
			Code:    response.CodeNotFound,
			Message: "job " + jobID + " is not tracked",
		})
		return
	}
	if err != nil {
		internal(w, err)
		return
	}
	response.JSON(w, http.StatusOK, rec)
}

func unavailable(w http.ResponseWriter) {
	response.Error(w, http.StatusServiceUnavailable, response.ErrorBody{
		Code:    response.CodeServiceUnavailable,
		Message: "job store not configured",
	})
}

func internal(w http.ResponseWriter, err error) {
	response.Error(w, http.StatusInternalServerError, response.ErrorBody{
		Code:    response.CodeInternal,
		Message: err.Error(),
	})
}
