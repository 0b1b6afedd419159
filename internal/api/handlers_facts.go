package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/dgallion1/clinfacts/internal/factstore"
	"github.com/dgallion1/clinfacts/internal/pipeline"
	"github.com/dgallion1/clinfacts/internal/store"
)

// handlePatientFacts serves a patient's raw or deduplicated facts. The stage
// file in the output directory wins; the ledger's latest run is the
// fallback.
func (s *Server) handlePatientFacts(w http.ResponseWriter, r *http.Request) {
	id, ok := s.patientID(w, r)
	if !ok {
		return
	}

	stage := store.Stage(r.URL.Query().Get("stage"))
	if stage == "" {
		stage = store.StageDeduped
	}
	var path string
	switch stage {
	case store.StageRaw:
		path = s.facts.RawPath(id)
	case store.StageDeduped:
		path = s.facts.DedupedPath(id)
	default:
		jsonError(w, "stage must be raw or deduped", http.StatusBadRequest)
		return
	}

	exists, err := factstore.Exists(path)
	if err != nil {
		s.log.Error("stat fact file", "path", path, "error", err)
		jsonError(w, "failed to read facts", http.StatusInternalServerError)
		return
	}
	if exists {
		facts, err := factstore.Read(path)
		if err != nil {
			s.log.Error("read fact file", "path", path, "error", err)
			jsonError(w, "failed to read facts", http.StatusInternalServerError)
			return
		}
		writeFacts(w, id, stage, "file", facts)
		return
	}

	if s.ledger == nil {
		jsonError(w, "no facts for patient", http.StatusNotFound)
		return
	}
	run, err := s.ledger.LatestRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		jsonError(w, "no facts for patient", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("latest run", "patient_id", id, "error", err)
		jsonError(w, "failed to read ledger", http.StatusInternalServerError)
		return
	}
	facts, err := s.ledger.Facts(r.Context(), run.ID, stage)
	if err != nil {
		s.log.Error("ledger facts", "run_id", run.ID, "error", err)
		jsonError(w, "failed to read ledger", http.StatusInternalServerError)
		return
	}
	if len(facts) == 0 {
		jsonError(w, "no facts for patient", http.StatusNotFound)
		return
	}
	writeFacts(w, id, stage, "ledger", facts)
}

func writeFacts(w http.ResponseWriter, id string, stage store.Stage, source string, facts []string) {
	writeJSON(w, http.StatusOK, map[string]any{
		"patient_id": id,
		"stage":      stage,
		"source":     source,
		"count":      len(facts),
		"facts":      facts,
	})
}

type runView struct {
	RunID        string          `json:"run_id"`
	PatientID    string          `json:"patient_id"`
	Status       string          `json:"status"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	RawCount     int             `json:"raw_count"`
	DedupedCount int             `json:"deduped_count"`
	Error        string          `json:"error,omitempty"`
	Removals     []store.Removal `json:"removals"`
}

func (s *Server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.patientID(w, r)
	if !ok {
		return
	}
	if s.ledger == nil {
		jsonError(w, "run ledger not configured", http.StatusServiceUnavailable)
		return
	}
	run, err := s.ledger.LatestRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		jsonError(w, "no runs for patient", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("latest run", "patient_id", id, "error", err)
		jsonError(w, "failed to read ledger", http.StatusInternalServerError)
		return
	}
	removals, err := s.ledger.Removals(r.Context(), run.ID)
	if err != nil {
		s.log.Error("ledger removals", "run_id", run.ID, "error", err)
		jsonError(w, "failed to read ledger", http.StatusInternalServerError)
		return
	}
	if removals == nil {
		removals = []store.Removal{}
	}
	view := runView{
		RunID:        run.ID,
		PatientID:    run.PatientID,
		Status:       run.Status,
		StartedAt:    run.StartedAt,
		RawCount:     run.RawCount,
		DedupedCount: run.DedupedCount,
		Error:        run.Error,
		Removals:     removals,
	}
	if !run.FinishedAt.IsZero() {
		view.FinishedAt = &run.FinishedAt
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListPublished(w http.ResponseWriter, r *http.Request) {
	id, ok := s.patientID(w, r)
	if !ok {
		return
	}
	if s.published == nil {
		jsonError(w, "pathstore not configured", http.StatusServiceUnavailable)
		return
	}
	nodes, err := s.published.ListChildren(r.Context(), pipeline.PatientKey(id)+"/facts", 0)
	if err != nil {
		s.log.Error("list published facts", "patient_id", id, "error", err)
		jsonError(w, "failed to list published facts", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"patient_id": id,
		"count":      len(nodes),
		"facts":      nodes,
	})
}

func (s *Server) handleDeletePublished(w http.ResponseWriter, r *http.Request) {
	id, ok := s.patientID(w, r)
	if !ok {
		return
	}
	if s.published == nil {
		jsonError(w, "pathstore not configured", http.StatusServiceUnavailable)
		return
	}
	if err := s.published.DeleteNode(r.Context(), pipeline.PatientKey(id), true); err != nil {
		s.log.Error("delete published facts", "patient_id", id, "error", err)
		jsonError(w, "failed to delete published facts", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
