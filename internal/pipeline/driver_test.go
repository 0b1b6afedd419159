package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dgallion1/clinfacts/internal/config"
	"github.com/dgallion1/clinfacts/internal/dedup"
	"github.com/dgallion1/clinfacts/internal/extract"
	"github.com/dgallion1/clinfacts/internal/factstore"
	"github.com/dgallion1/clinfacts/internal/llm"
	"github.com/dgallion1/clinfacts/internal/pathstore"
	"github.com/dgallion1/clinfacts/internal/store"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeModel answers extraction prompts from claims keyed by note text and
// flags exact repeats in dedup prompts, keeping the lowest key.
type fakeModel struct {
	claims       map[string][]string
	extractCalls atomic.Int32
	dedupCalls   atomic.Int32
}

func (m *fakeModel) Complete(_ context.Context, system, user string) (string, error) {
	switch system {
	case extract.SystemPrompt:
		m.extractCalls.Add(1)
		var in struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(user), &in); err != nil {
			return "", err
		}
		claims, ok := m.claims[in.Text]
		if !ok {
			return "", &llm.ModelCallError{Attempts: 1, Err: errors.New("no answer")}
		}
		b, _ := json.Marshal(map[string]any{"claims": claims})
		return "```json\n" + string(b) + "\n```", nil
	case dedup.SystemPrompt:
		m.dedupCalls.Add(1)
		var in struct {
			Facts map[string]string `json:"input_fact_list"`
		}
		if err := json.Unmarshal([]byte(user), &in); err != nil {
			return "", err
		}
		keys := make([]int, 0, len(in.Facts))
		for k := range in.Facts {
			n, _ := strconv.Atoi(k)
			keys = append(keys, n)
		}
		sort.Ints(keys)
		seen := make(map[string]bool)
		redundant := []int{}
		for _, k := range keys {
			f := in.Facts[strconv.Itoa(k)]
			if seen[f] {
				redundant = append(redundant, k)
			}
			seen[f] = true
		}
		b, _ := json.Marshal(map[string]any{"redundant_fact_indices": redundant})
		return string(b), nil
	}
	return "", errors.New("unexpected system prompt")
}

func writeNotes(t *testing.T, dir, id string, recs []map[string]any) {
	t.Helper()
	b, err := json.Marshal(recs)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, id+"_subsetrecords.json"), b, 0o644); err != nil {
		t.Fatal(err)
	}
}

func threeNotes(t *testing.T, dir string) {
	writeNotes(t, dir, "42", []map[string]any{
		{"note_date": "2021-01-01", "note_title": "H&P", "text": "first"},
		{"note_date": "2021-01-01", "note_title": "Progress", "text": "second"},
		{"note_date": "2021-01-02", "note_title": "Discharge", "text": "third"},
	})
}

func newModel() *fakeModel {
	return &fakeModel{claims: map[string][]string{
		"first":  {"A (2021-01-01)"},
		"second": {"A"},
		"third":  {"B"},
	}}
}

func newDriver(model llm.Completer, in, out string, ledger *store.Store, pub *Publisher) *Driver {
	return NewDriver(DriverConfig{
		Model: model,
		Settings: Settings{
			InputDir:       in,
			ChunkSize:      20000,
			ExtractWorkers: 3,
			BatchSize:      500,
			DedupWorkers:   2,
			MaxIter:        3,
			Threshold:      5,
			Seed:           42,
		},
		Facts:     factstore.New(out),
		Ledger:    ledger,
		Publisher: pub,
		Log:       discard,
	})
}

func TestDriver_EndToEnd(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	threeNotes(t, in)
	model := newModel()

	res, err := newDriver(model, in, out, nil, nil).Run(context.Background(), "42")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.RawCount != 3 || res.DedupedCount != 2 || res.Removed != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	if res.ResumedRaw || res.ResumedDeduped {
		t.Errorf("fresh run should not resume: %+v", res)
	}

	raw, err := factstore.Read(filepath.Join(out, "42_raw.tsv"))
	if err != nil {
		t.Fatalf("read raw: %v", err)
	}
	sorted := slices.Clone(raw)
	sort.Strings(sorted)
	if !slices.Equal(sorted, []string{"A (2021-01-01)", "A (2021-01-01)", "B (2021-01-02)"}) {
		t.Errorf("unexpected raw facts %q", raw)
	}
	deduped, err := factstore.Read(filepath.Join(out, "42.tsv"))
	if err != nil {
		t.Fatalf("read deduped: %v", err)
	}
	sort.Strings(deduped)
	if !slices.Equal(deduped, []string{"A (2021-01-01)", "B (2021-01-02)"}) {
		t.Errorf("unexpected deduped facts %q", deduped)
	}
}

func TestDriver_ResumesFromFiles(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	threeNotes(t, in)
	fs := factstore.New(out)
	if err := factstore.Write(fs.RawPath("42"), []string{"X (2020-01-01)", "X (2020-01-01)", "Y (2020-01-02)", "Z (2020-01-03)"}); err != nil {
		t.Fatal(err)
	}

	model := newModel()
	d := newDriver(model, in, out, nil, nil)
	res, err := d.Run(context.Background(), "42")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.ResumedRaw || res.ResumedDeduped {
		t.Errorf("expected raw resume only, got %+v", res)
	}
	if model.extractCalls.Load() != 0 {
		t.Errorf("extraction should be skipped, got %d calls", model.extractCalls.Load())
	}
	if res.RawCount != 4 || res.DedupedCount != 3 {
		t.Errorf("unexpected counts %+v", res)
	}

	// A second run finds both files and calls nothing.
	model2 := newModel()
	res, err = newDriver(model2, in, out, nil, nil).Run(context.Background(), "42")
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if !res.ResumedRaw || !res.ResumedDeduped || res.Removed != 1 {
		t.Errorf("expected full resume, got %+v", res)
	}
	if model2.extractCalls.Load()+model2.dedupCalls.Load() != 0 {
		t.Error("a resumed run must not call the model")
	}
}

func TestDriver_ChunkFailureIsNotFatal(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	writeNotes(t, in, "7", []map[string]any{
		{"note_date": "2021-01-01", "note_title": "ok", "text": "first"},
		{"note_date": "2021-01-01", "note_title": "bad", "text": "unknown to the model"},
	})
	res, err := newDriver(newModel(), in, out, nil, nil).Run(context.Background(), "7")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FailedChunks != 1 || res.RawCount != 1 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestDriver_SetupFailures(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	if _, err := newDriver(newModel(), in, out, nil, nil).Run(context.Background(), "missing"); err == nil {
		t.Error("expected error for missing notes file")
	}

	threeNotes(t, in)
	if _, err := newDriver(newModel(), in, filepath.Join(out, "no-such-dir"), nil, nil).Run(context.Background(), "42"); err == nil {
		t.Error("expected error for unwritable output")
	}
}

func TestDriver_LoadsNotesDirectory(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	dir := filepath.Join(in, "42")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, text := range map[string]string{
		"2021-01-01_HP.md":         "first",
		"2021-01-02_Discharge.txt": "third",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(text), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	res, err := newDriver(newModel(), in, out, nil, nil).Run(context.Background(), "42")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.RawCount != 2 || res.DedupedCount != 2 {
		t.Errorf("unexpected result %+v", res)
	}
	got, err := factstore.Read(filepath.Join(out, "42.tsv"))
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(got)
	if want := []string{"A (2021-01-01)", "B (2021-01-02)"}; !slices.Equal(got, want) {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestDriver_LoadsNotesCSV(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	csv := "note_date,note_title,text\n" +
		"2021-01-01,H&P,first\n" +
		"2021-01-01,Progress,second\n" +
		"2021-01-02,Discharge,third\n"
	if err := os.WriteFile(filepath.Join(in, "7_subsetrecords.csv"), []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := newDriver(newModel(), in, out, nil, nil).Run(context.Background(), "7")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.RawCount != 3 || res.DedupedCount != 2 || res.Removed != 1 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestDriver_CancelledContextWritesNothing(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	threeNotes(t, in)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newDriver(newModel(), in, out, nil, nil).Run(ctx, "42"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if ok, _ := factstore.Exists(filepath.Join(out, "42_raw.tsv")); ok {
		t.Error("a cancelled run must not leave a raw file behind")
	}
}

func TestDriver_LedgerAndStatus(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	threeNotes(t, in)
	ledger, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer ledger.Close()

	var mu sync.Mutex
	var statuses []JobStatus
	d := newDriver(newModel(), in, out, ledger, nil)
	res, err := d.RunJob(context.Background(), "42", discard, func(s JobStatus, _ string) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}

	want := []JobStatus{StatusLoading, StatusExtracting, StatusDeduplicating, StatusCompleted}
	if !slices.Equal(statuses, want) {
		t.Errorf("expected statuses %v, got %v", want, statuses)
	}

	ctx := context.Background()
	run, err := ledger.LatestRun(ctx, "42")
	if err != nil {
		t.Fatalf("LatestRun: %v", err)
	}
	if run.ID != res.RunID || run.Status != string(StatusCompleted) || run.RawCount != 3 || run.DedupedCount != 2 {
		t.Errorf("unexpected ledger run %+v", run)
	}
	deduped, _ := ledger.Facts(ctx, run.ID, store.StageDeduped)
	if len(deduped) != 2 {
		t.Errorf("expected 2 deduped facts in ledger, got %d", len(deduped))
	}
	rm, _ := ledger.Removals(ctx, run.ID)
	if len(rm) != 1 || rm[0].Pass != string(dedup.PassWithin) {
		t.Errorf("unexpected removals %+v", rm)
	}
}

func TestDriver_LedgerRecordsFailure(t *testing.T) {
	ledger, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer ledger.Close()

	d := newDriver(newModel(), t.TempDir(), t.TempDir(), ledger, nil)
	if _, err := d.Run(context.Background(), "nobody"); err == nil {
		t.Fatal("expected error")
	}
	run, err := ledger.LatestRun(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("LatestRun: %v", err)
	}
	if run.Status != string(StatusFailed) || run.Error == "" {
		t.Errorf("expected failed run with error, got %+v", run)
	}
}

// memNodes is an in-memory NodeWriter.
type memNodes struct {
	mu      sync.Mutex
	nodes   map[string]pathstore.NodeRequest
	deletes []string
	failKey string
}

func (m *memNodes) PutNode(_ context.Context, key string, req pathstore.NodeRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key == m.failKey {
		return errors.New("boom")
	}
	m.nodes[key] = req
	return nil
}

func (m *memNodes) DeleteNode(_ context.Context, key string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, key)
	return nil
}

func TestDriver_Publishes(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	threeNotes(t, in)
	nodes := &memNodes{nodes: map[string]pathstore.NodeRequest{}}

	var statuses []JobStatus
	d := newDriver(newModel(), in, out, nil, NewPublisher(nodes, 4))
	res, err := d.RunJob(context.Background(), "42", nil, func(s JobStatus, _ string) { statuses = append(statuses, s) })
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if res.Published != 2 {
		t.Errorf("expected 2 published facts, got %d", res.Published)
	}
	if !slices.Contains(statuses, StatusPublishing) {
		t.Errorf("expected publishing status, got %v", statuses)
	}
	if len(nodes.deletes) != 1 || nodes.deletes[0] != "clinfacts/patients/42/facts" {
		t.Errorf("unexpected deletes %v", nodes.deletes)
	}
	if _, ok := nodes.nodes["clinfacts/patients/42/meta"]; !ok {
		t.Error("expected meta node")
	}
	v, ok := nodes.nodes[FactKey("42", 1)].Value.(map[string]any)
	if !ok || v["index"] != 1 || v["date"] == nil {
		t.Errorf("unexpected fact node %+v", nodes.nodes[FactKey("42", 1)])
	}
}

func TestPublisher_PartialFailure(t *testing.T) {
	nodes := &memNodes{nodes: map[string]pathstore.NodeRequest{}, failKey: FactKey("9", 1)}
	n, err := NewPublisher(nodes, 2).Publish(context.Background(), "9", []string{"a (2021-01-01)", "b (2021-01-01)", "c"})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if n != 2 {
		t.Errorf("expected 2 stored, got %d", n)
	}
	if v := nodes.nodes[FactKey("9", 2)].Value.(map[string]any); v["date"] != nil {
		t.Errorf("untagged fact should have no date, got %v", v["date"])
	}
	if FactKey("9", 12) != "clinfacts/patients/9/facts/00012" {
		t.Errorf("unexpected key %s", FactKey("9", 12))
	}
}

func TestSettingsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.InputDir = "/data/notes"
	cfg.Pipeline.ShuffleSeed = 7
	got := SettingsFromConfig(cfg)
	want := Settings{
		InputDir:       "/data/notes",
		ChunkSize:      20000,
		ExtractWorkers: 12,
		BatchSize:      500,
		DedupWorkers:   12,
		MaxIter:        3,
		Threshold:      5,
		Seed:           7,
	}
	if got != want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
}
