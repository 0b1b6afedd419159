package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

type submitRunsRequest struct {
	PatientIDs []string `json:"patient_ids" validate:"required,min=1,max=500,dive,required,patientid"`
}

func (s *Server) handleSubmitRuns(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req submitRunsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		jsonError(w, validationMessage(err), http.StatusBadRequest)
		return
	}

	results := make([]map[string]any, 0, len(req.PatientIDs))
	accepted := 0
	for _, id := range req.PatientIDs {
		job, err := s.runs.Submit(id)
		if err != nil {
			s.log.Warn("run not queued", "patient_id", id, "error", err)
			results = append(results, map[string]any{
				"patient_id": id,
				"error":      err.Error(),
			})
			continue
		}
		accepted++
		results = append(results, map[string]any{
			"patient_id": id,
			"job_id":     job.ID,
			"status":     job.Snapshot().Status,
			"poll_url":   fmt.Sprintf("/api/runs/%s/status", job.ID),
		})
	}

	code := http.StatusAccepted
	if accepted == 0 {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"jobs": results})
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	job := s.runs.GetJob(chi.URLParam(r, "jobID"))
	if job == nil {
		jsonError(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job.Snapshot())
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	return fmt.Sprintf("%s failed %q validation", fe.Namespace(), fe.Tag())
}
