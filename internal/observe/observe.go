// Package observe carries progress events out of the extraction and
// deduplication engines without tying them to a logger.
package observe

import (
	"log/slog"
	"sync"
)

// Stage names the engine that produced an event.
type Stage string

const (
	StageExtract Stage = "extract"
	StageWithin  Stage = "dedup_within"
	StageAcross  Stage = "dedup_across"
)

// UnitEvent reports one finished unit of work: an extracted chunk or an
// oracle call over one batch.
type UnitEvent struct {
	Stage Stage
	Unit  int
	Count int
	Items []string
	Attrs []any
	Err   error
}

// RoundEvent reports the end of one cross-batch round.
type RoundEvent struct {
	Round   int
	Batches int
	Delta   int
	Total   int
}

// Observer receives engine events. Implementations must be safe to call from
// the coordinating goroutine only; engines never call them from workers.
type Observer interface {
	Unit(UnitEvent)
	Round(RoundEvent)
	OutOfRange(stage Stage, index, bound int)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Unit(UnitEvent)             {}
func (Nop) Round(RoundEvent)           {}
func (Nop) OutOfRange(Stage, int, int) {}

// OrNop returns o, or Nop when o is nil.
func OrNop(o Observer) Observer {
	if o == nil {
		return Nop{}
	}
	return o
}

// Slog writes events as structured log records.
type Slog struct {
	log *slog.Logger
}

func NewSlog(log *slog.Logger) *Slog {
	return &Slog{log: log}
}

func (s *Slog) Unit(e UnitEvent) {
	args := []any{"stage", e.Stage, "unit", e.Unit}
	args = append(args, e.Attrs...)
	if e.Err != nil {
		s.log.Warn("unit failed", append(args, "error", e.Err)...)
		return
	}
	args = append(args, "n", e.Count)
	if len(e.Items) > 0 {
		args = append(args, "items", e.Items)
	}
	s.log.Info("unit completed", args...)
}

func (s *Slog) Round(e RoundEvent) {
	s.log.Info("round finished",
		"round", e.Round,
		"batches", e.Batches,
		"delta", e.Delta,
		"total_removed", e.Total,
	)
}

func (s *Slog) OutOfRange(stage Stage, index, bound int) {
	s.log.Warn("oracle index out of range", "stage", stage, "index", index, "bound", bound)
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	Units  []UnitEvent
	Rounds []RoundEvent
	Drops  []int
}

func (r *Recorder) Unit(e UnitEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Units = append(r.Units, e)
}

func (r *Recorder) Round(e RoundEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Rounds = append(r.Rounds, e)
}

func (r *Recorder) OutOfRange(_ Stage, index, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Drops = append(r.Drops, index)
}

// Failures counts recorded unit events that carry an error.
func (r *Recorder) Failures(stage Stage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.Units {
		if e.Stage == stage && e.Err != nil {
			n++
		}
	}
	return n
}
