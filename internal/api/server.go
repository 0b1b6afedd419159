package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dgallion1/clinfacts/internal/factstore"
	"github.com/dgallion1/clinfacts/internal/llm"
	"github.com/dgallion1/clinfacts/internal/notes"
	"github.com/dgallion1/clinfacts/internal/pathstore"
	"github.com/dgallion1/clinfacts/internal/pipeline"
	"github.com/dgallion1/clinfacts/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
)

// Runs queues patient runs and reports on them. *pipeline.Orchestrator
// implements it.
type Runs interface {
	Submit(patientID string) (*pipeline.Job, error)
	GetJob(id string) *pipeline.Job
	QueueDepth() int
}

// Ledger is the read side of the run ledger.
type Ledger interface {
	LatestRun(ctx context.Context, patientID string) (store.Run, error)
	Facts(ctx context.Context, runID string, stage store.Stage) ([]string, error)
	Removals(ctx context.Context, runID string) ([]store.Removal, error)
}

// Published reads and clears facts published to pathstore.
type Published interface {
	ListChildren(ctx context.Context, key string, limit int) ([]pathstore.Node, error)
	DeleteNode(ctx context.Context, key string, recursive bool) error
}

// ModelStats exposes the model name and its call latency tracker.
type ModelStats interface {
	Model() string
	Stats() *llm.Stats
}

// Deps are the server's collaborators. Ledger, Published and Model are
// optional.
type Deps struct {
	Runs      Runs
	Facts     *factstore.Store
	Ledger    Ledger
	Published Published
	Model     ModelStats
	APIKey    string
	Log       *slog.Logger
}

// Server is the HTTP API for queueing patient runs and reading their facts.
type Server struct {
	router    chi.Router
	runs      Runs
	facts     *factstore.Store
	ledger    Ledger
	published Published
	model     ModelStats
	apiKey    string
	log       *slog.Logger
	validate  *validator.Validate
}

// NewServer creates and configures the HTTP server.
func NewServer(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	// Patient IDs become file names, so only a safe charset is accepted.
	_ = v.RegisterValidation("patientid", func(fl validator.FieldLevel) bool {
		return notes.ValidID(fl.Field().String())
	})
	s := &Server{
		runs:      d.Runs,
		facts:     d.Facts,
		ledger:    d.Ledger,
		published: d.Published,
		model:     d.Model,
		apiKey:    d.APIKey,
		log:       log,
		validate:  v,
	}
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.log))

	// Public endpoints.
	r.Get("/health", s.handleHealth)

	// Authenticated endpoints.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKey, s.log))

		r.Post("/api/runs", s.handleSubmitRuns)
		r.Get("/api/runs/{jobID}/status", s.handleRunStatus)
		r.Get("/api/stats/llm", s.handleLLMStats)

		r.Route("/api/patients/{patientID}", func(r chi.Router) {
			r.Get("/facts", s.handlePatientFacts)
			r.Get("/runs/latest", s.handleLatestRun)
			r.Get("/published", s.handleListPublished)
			r.Delete("/published", s.handleDeletePublished)
		})
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.runs != nil {
		resp["queue_depth"] = s.runs.QueueDepth()
	}
	writeJSON(w, http.StatusOK, resp)
}

// patientID reads and validates the {patientID} URL parameter, writing a
// 400 when it is unusable.
func (s *Server) patientID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "patientID")
	if err := s.validate.Var(id, "required,patientid"); err != nil {
		jsonError(w, "invalid patient id", http.StatusBadRequest)
		return "", false
	}
	return id, true
}
