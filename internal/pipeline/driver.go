// Package pipeline runs the per-patient extraction and dedup pipeline and
// the job queue the HTTP server feeds.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dgallion1/clinfacts/internal/config"
	"github.com/dgallion1/clinfacts/internal/dedup"
	"github.com/dgallion1/clinfacts/internal/extract"
	"github.com/dgallion1/clinfacts/internal/factstore"
	"github.com/dgallion1/clinfacts/internal/llm"
	"github.com/dgallion1/clinfacts/internal/notes"
	"github.com/dgallion1/clinfacts/internal/observe"
	"github.com/dgallion1/clinfacts/internal/store"
)

// Settings are the tunables of one run.
type Settings struct {
	InputDir       string
	ChunkSize      int
	ExtractWorkers int
	BatchSize      int
	DedupWorkers   int
	MaxIter        int
	Threshold      int
	Seed           uint64
}

// SettingsFromConfig maps resolved configuration onto run settings.
func SettingsFromConfig(c config.Config) Settings {
	return Settings{
		InputDir:       c.InputDir,
		ChunkSize:      c.Pipeline.ChunkSize,
		ExtractWorkers: c.Pipeline.ExtractWorkers,
		BatchSize:      c.Pipeline.BatchSize,
		DedupWorkers:   c.Pipeline.DedupWorkers,
		MaxIter:        c.Pipeline.DedupMaxIter,
		Threshold:      c.Pipeline.DedupThreshold,
		Seed:           c.Pipeline.ShuffleSeed,
	}
}

// DriverConfig wires a Driver. Ledger and Publisher are optional.
type DriverConfig struct {
	Model     llm.Completer
	Settings  Settings
	Facts     *factstore.Store
	Ledger    *store.Store
	Publisher *Publisher
	Log       *slog.Logger
}

// Result summarizes one patient run.
type Result struct {
	RunID          string `json:"run_id"`
	Notes          int    `json:"notes"`
	Chunks         int    `json:"chunks"`
	FailedChunks   int    `json:"failed_chunks"`
	RawCount       int    `json:"raw_count"`
	DedupedCount   int    `json:"deduped_count"`
	Removed        int    `json:"removed"`
	Rounds         int    `json:"rounds"`
	Published      int    `json:"published"`
	ResumedRaw     bool   `json:"resumed_raw"`
	ResumedDeduped bool   `json:"resumed_deduped"`
}

// Driver sequences load, extract, dedup and persist for one patient at a
// time. A stage whose output file already exists is not recomputed.
type Driver struct {
	model     llm.Completer
	settings  Settings
	facts     *factstore.Store
	ledger    *store.Store
	publisher *Publisher
	log       *slog.Logger
}

func NewDriver(cfg DriverConfig) *Driver {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Driver{
		model:     cfg.Model,
		settings:  cfg.Settings,
		facts:     cfg.Facts,
		ledger:    cfg.Ledger,
		publisher: cfg.Publisher,
		log:       log,
	}
}

// Run processes one patient. Per-chunk and per-batch failures are logged and
// absorbed; only setup failures (reading notes, writing output) are returned.
func (d *Driver) Run(ctx context.Context, patientID string) (Result, error) {
	return d.RunJob(ctx, patientID, d.log, nil)
}

// RunJob is Run with a caller-supplied logger and an optional status hook
// called as the run moves between stages.
func (d *Driver) RunJob(ctx context.Context, patientID string, log *slog.Logger, status func(JobStatus, string)) (res Result, err error) {
	if log == nil {
		log = d.log
	}
	if status == nil {
		status = func(JobStatus, string) {}
	}
	res.RunID = uuid.NewString()
	log = log.With("patient_id", patientID, "run_id", res.RunID)
	obs := observe.NewSlog(log)

	if d.ledger != nil {
		if lerr := d.ledger.BeginRun(ctx, res.RunID, patientID, string(StatusLoading)); lerr != nil {
			log.Warn("ledger unavailable", "error", lerr)
		}
		defer func() {
			final := StatusCompleted
			if err != nil {
				final = StatusFailed
			}
			if lerr := d.ledger.FinishRun(context.WithoutCancel(ctx), res.RunID, string(final), res.RawCount, res.DedupedCount, err); lerr != nil {
				log.Warn("ledger finish failed", "error", lerr)
			}
		}()
	}

	rawPath := d.facts.RawPath(patientID)
	dedupedPath := d.facts.DedupedPath(patientID)
	log.Info("running fact extraction", "raw_output", rawPath, "output", dedupedPath)

	d.setStatus(ctx, res.RunID, status, StatusLoading, "loading notes")
	src, err := notes.Resolve(d.settings.InputDir, patientID)
	if err != nil {
		return res, err
	}
	ns, err := notes.Load(src)
	if err != nil {
		return res, fmt.Errorf("load notes for %s: %w", patientID, err)
	}
	res.Notes = len(ns)
	log.Info("loaded notes", "n", len(ns), "source", src)

	raw, err := d.rawFacts(ctx, &res, ns, rawPath, log, obs, status)
	if err != nil {
		return res, err
	}
	res.RawCount = len(raw)
	d.saveFacts(ctx, res.RunID, store.StageRaw, raw, log)

	deduped, err := d.dedupedFacts(ctx, &res, raw, dedupedPath, log, obs, status)
	if err != nil {
		return res, err
	}
	res.DedupedCount = len(deduped)
	d.saveFacts(ctx, res.RunID, store.StageDeduped, deduped, log)

	if d.publisher != nil {
		d.setStatus(ctx, res.RunID, status, StatusPublishing, "publishing facts")
		n, perr := d.publisher.Publish(ctx, patientID, deduped)
		res.Published = n
		if perr != nil {
			log.Error("publish incomplete", "published", n, "total", len(deduped), "error", perr)
		} else {
			log.Info("published facts", "n", n)
		}
	}

	status(StatusCompleted, "done")
	return res, nil
}

func (d *Driver) rawFacts(ctx context.Context, res *Result, ns []notes.Note, path string, log *slog.Logger, obs observe.Observer, status func(JobStatus, string)) ([]string, error) {
	exists, err := factstore.Exists(path)
	if err != nil {
		return nil, fmt.Errorf("check %s: %w", path, err)
	}
	if exists {
		facts, err := factstore.Read(path)
		if err != nil {
			return nil, err
		}
		res.ResumedRaw = true
		log.Info("loaded raw fact file", "n", len(facts))
		return facts, nil
	}

	d.setStatus(ctx, res.RunID, status, StatusExtracting, "extracting facts")
	ex := extract.New(d.model, extract.Options{
		ChunkSize: d.settings.ChunkSize,
		Workers:   d.settings.ExtractWorkers,
		Observer:  obs,
	})
	facts, rep := ex.ExtractAll(ctx, ns)
	res.Chunks, res.FailedChunks = rep.Chunks, rep.Failed

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := factstore.Write(path, facts); err != nil {
		return nil, err
	}
	log.Info("finished fact extraction", "n", len(facts), "chunks", rep.Chunks, "failed_chunks", rep.Failed)
	return facts, nil
}

func (d *Driver) dedupedFacts(ctx context.Context, res *Result, raw []string, path string, log *slog.Logger, obs observe.Observer, status func(JobStatus, string)) ([]string, error) {
	exists, err := factstore.Exists(path)
	if err != nil {
		return nil, fmt.Errorf("check %s: %w", path, err)
	}
	if exists {
		facts, err := factstore.Read(path)
		if err != nil {
			return nil, err
		}
		res.ResumedDeduped = true
		res.Removed = len(raw) - len(facts)
		log.Info("loaded deduped list", "n", len(facts), "removed", res.Removed)
		return facts, nil
	}

	d.setStatus(ctx, res.RunID, status, StatusDeduplicating, "deduplicating facts")
	log.Info("beginning deduplication", "n", len(raw))
	eng := dedup.New(dedup.NewModelOracle(d.model), dedup.Options{
		BatchSize: d.settings.BatchSize,
		Workers:   d.settings.DedupWorkers,
		MaxIter:   d.settings.MaxIter,
		Threshold: d.settings.Threshold,
		Rand:      dedup.NewRand(d.settings.Seed),
		Observer:  obs,
	})
	out := eng.Deduplicate(ctx, raw)
	res.Removed = out.Removed.Len()
	res.Rounds = out.Rounds

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := factstore.Write(path, out.Kept); err != nil {
		return nil, err
	}
	log.Info("end deduplication",
		"kept", len(out.Kept),
		"removed", out.Removed.Len(),
		"rounds", out.Rounds,
		"removed_indices", out.Removed.Sorted(),
	)

	if d.ledger != nil {
		rm := make([]store.Removal, len(out.Removals))
		for i, r := range out.Removals {
			rm[i] = store.Removal{Index: r.Index, Pass: string(r.Pass), Round: r.Round}
		}
		if err := d.ledger.SaveRemovals(ctx, res.RunID, rm); err != nil {
			log.Warn("ledger removals failed", "error", err)
		}
	}
	return out.Kept, nil
}

func (d *Driver) setStatus(ctx context.Context, runID string, status func(JobStatus, string), s JobStatus, phase string) {
	status(s, phase)
	if d.ledger == nil {
		return
	}
	if err := d.ledger.SetStatus(ctx, runID, string(s)); err != nil {
		d.log.Warn("ledger status failed", "run_id", runID, "error", err)
	}
}

func (d *Driver) saveFacts(ctx context.Context, runID string, stage store.Stage, facts []string, log *slog.Logger) {
	if d.ledger == nil {
		return
	}
	if err := d.ledger.SaveFacts(ctx, runID, stage, facts); err != nil {
		log.Warn("ledger facts failed", "stage", stage, "error", err)
	}
}
