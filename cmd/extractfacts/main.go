// Command extractfacts runs the fact pipeline for a list of patients, one
// after another, writing {id}_raw.tsv, {id}.tsv and {id}.log to the output
// directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dgallion1/clinfacts/internal/config"
	"github.com/dgallion1/clinfacts/internal/factstore"
	"github.com/dgallion1/clinfacts/internal/llm"
	"github.com/dgallion1/clinfacts/internal/notes"
	"github.com/dgallion1/clinfacts/internal/pathstore"
	"github.com/dgallion1/clinfacts/internal/pipeline"
	"github.com/dgallion1/clinfacts/internal/store"
)

func main() {
	ids := flag.String("id", "", "comma-separated patient ids")
	input := flag.String("input", "", "directory holding {id}_subsetrecords.json, {id}_subsetrecords.csv or {id}/ (overrides INPUT_DIR)")
	output := flag.String("output", "", "directory for fact files and logs (overrides OUTPUT_DIR)")
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	if err := run(*ids, *input, *output, *configPath); err != nil {
		fmt.Fprintln(os.Stderr, "extractfacts:", err)
		os.Exit(1)
	}
}

func run(idList, input, output, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if input != "" {
		cfg.InputDir = input
	}
	if output != "" {
		cfg.OutputDir = output
	}
	patients, err := splitIDs(idList)
	if err != nil {
		return err
	}
	switch {
	case len(patients) == 0:
		return fmt.Errorf("--id is required")
	case cfg.InputDir == "":
		return fmt.Errorf("--input is required")
	case cfg.OutputDir == "":
		return fmt.Errorf("--output is required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}

	console := slog.New(slog.NewTextHandler(os.Stderr, nil))

	model, err := llm.New(cfg.LLMConfig(), llm.NewStats(24*time.Hour))
	if err != nil {
		return err
	}
	defer model.Close()

	facts := factstore.New(cfg.OutputDir)
	driverCfg := pipeline.DriverConfig{
		Model:    model,
		Settings: pipeline.SettingsFromConfig(cfg),
		Facts:    facts,
		Log:      console,
	}
	if cfg.SQLitePath != "" {
		ledger, err := store.Open(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("opening run ledger: %w", err)
		}
		defer ledger.Close()
		driverCfg.Ledger = ledger
	}
	if cfg.Pathstore.URL != "" {
		ps := pathstore.NewClient(cfg.Pathstore.URL, cfg.Pathstore.APIKey)
		defer ps.Close()
		driverCfg.Publisher = pipeline.NewPublisher(ps, cfg.Pipeline.DedupWorkers)
	}
	driver := pipeline.NewDriver(driverCfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var failed []string
	for _, id := range patients {
		if ctx.Err() != nil {
			break
		}
		res, err := runPatient(ctx, driver, facts.LogPath(id), id)
		if err != nil {
			console.Error("patient run failed", "patient_id", id, "error", err)
			failed = append(failed, id)
			continue
		}
		console.Info("patient done",
			"patient_id", id,
			"raw", res.RawCount,
			"deduped", res.DedupedCount,
			"failed_chunks", res.FailedChunks,
		)
	}

	snap := model.Stats().Snapshot()
	console.Info("model calls", "model", model.Model(), "count", snap.Count, "failures", snap.Failures, "p95_ms", snap.P95Ms)

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("interrupted: %w", err)
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d patients failed: %s", len(failed), len(patients), strings.Join(failed, ","))
	}
	return nil
}

// runPatient truncates the patient's log file and runs the driver with a
// logger writing to it.
func runPatient(ctx context.Context, driver *pipeline.Driver, logPath, id string) (pipeline.Result, error) {
	f, err := os.Create(logPath)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("opening log: %w", err)
	}
	defer f.Close()

	log := slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return driver.RunJob(ctx, id, log, nil)
}

// splitIDs parses the --id list. Ids become file names under the output
// directory, so any id outside [A-Za-z0-9_-] is rejected.
func splitIDs(s string) ([]string, error) {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !notes.ValidID(p) {
			return nil, fmt.Errorf("invalid patient id %q", p)
		}
		out = append(out, p)
	}
	return out, nil
}
