// Package dedup removes redundant facts from a fact list by asking an oracle
// about one batch at a time: first over contiguous batches, then over
// reshuffled batches of the survivors until removals level off.
package dedup

import (
	"context"
	"math/rand/v2"

	"github.com/dgallion1/clinfacts/internal/observe"
	"github.com/dgallion1/clinfacts/internal/workpool"
)

const (
	DefaultBatchSize = 500
	DefaultWorkers   = 12
	DefaultMaxIter   = 3
	DefaultThreshold = 5
	DefaultSeed      = 42
)

// Pass identifies which stage removed a fact.
type Pass string

const (
	PassWithin Pass = "within"
	PassAcross Pass = "across"
)

// Removal records one removed global index. Round is 0 for the within pass
// and 1-based for cross-batch rounds.
type Removal struct {
	Index int
	Pass  Pass
	Round int
}

// Options configures an Engine. Zero values take the defaults above. A zero
// Threshold means the default; use a negative one to always run MaxIter rounds.
type Options struct {
	BatchSize int
	Workers   int
	MaxIter   int
	Threshold int
	Rand      *rand.Rand
	Observer  observe.Observer
}

// Engine runs the within-batch and cross-batch passes. It is not safe for
// concurrent use: the shuffle generator advances on every round.
type Engine struct {
	oracle    Oracle
	batchSize int
	workers   int
	maxIter   int
	threshold int
	rng       *rand.Rand
	obs       observe.Observer
}

// NewRand returns the generator the engine shuffles with for a given seed.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed))
}

func New(oracle Oracle, opts Options) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxIter == 0 {
		opts.MaxIter = DefaultMaxIter
	}
	if opts.Threshold == 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Rand == nil {
		opts.Rand = NewRand(DefaultSeed)
	}
	return &Engine{
		oracle:    oracle,
		batchSize: opts.BatchSize,
		workers:   opts.Workers,
		maxIter:   opts.MaxIter,
		threshold: opts.Threshold,
		rng:       opts.Rand,
		obs:       observe.OrNop(opts.Observer),
	}
}

// runBatches asks the oracle about every batch concurrently and folds the
// answers into one set. resolve translates a key the oracle returned into a
// global index; keys outside their batch are dropped and reported.
func (e *Engine) runBatches(ctx context.Context, stage observe.Stage, batches []Batch, resolve func(int) int) IndexSet {
	outs := workpool.Collect(ctx, e.workers, len(batches), func(ctx context.Context, i int) ([]int, error) {
		return e.oracle.FindRedundant(ctx, batches[i].Keyed())
	})

	removed := NewIndexSet()
	for _, o := range outs {
		b := batches[o.Index]
		e.obs.Unit(observe.UnitEvent{
			Stage: stage,
			Unit:  o.Index,
			Count: len(o.Value),
			Err:   o.Err,
			Attrs: []any{"start", b.Start, "size", len(b.Items)},
		})
		if o.Err != nil {
			continue
		}
		for _, k := range o.Value {
			if !b.Contains(k) {
				e.obs.OutOfRange(stage, k, b.Start+len(b.Items))
				continue
			}
			removed.Add(resolve(k))
		}
	}
	return removed
}

// WithinBatches partitions facts in their original order and returns the
// global indices the oracle marked redundant. Batch keys are global indices,
// so no remapping is needed.
func (e *Engine) WithinBatches(ctx context.Context, facts []string) IndexSet {
	batches := Partition(facts, e.batchSize)
	return e.runBatches(ctx, observe.StageWithin, batches, func(k int) int { return k })
}

// crossRound shuffles the facts at keep, re-batches them and maps the
// oracle's answers back to global indices.
func (e *Engine) crossRound(ctx context.Context, facts []string, keep []int) (IndexSet, int) {
	mapping := Shuffle(e.rng, keep)
	batches := Partition(mapping.Facts(facts), e.batchSize)
	removed := e.runBatches(ctx, observe.StageAcross, batches, func(pos int) int {
		g, _ := mapping.Global(pos)
		return g
	})
	return removed, len(batches)
}

// across runs cross-batch rounds over keep and returns each round's newly
// removed indices. Facts removed in one round are not shown to the oracle
// again. It stops after maxIter rounds or once a round removes fewer than
// threshold facts.
func (e *Engine) across(ctx context.Context, facts []string, keep []int, removed IndexSet) []IndexSet {
	var rounds []IndexSet
	for round := 1; round <= e.maxIter; round++ {
		if ctx.Err() != nil {
			break
		}
		before := removed.Len()
		found, nbatches := e.crossRound(ctx, facts, keep)

		delta := NewIndexSet()
		for i := range found {
			if !removed.Has(i) {
				delta.Add(i)
				removed.Add(i)
			}
		}
		rounds = append(rounds, delta)
		e.obs.Round(observe.RoundEvent{
			Round:   round,
			Batches: nbatches,
			Delta:   removed.Len() - before,
			Total:   removed.Len(),
		})

		if removed.Len()-before < e.threshold {
			break
		}
		keep = survivors(keep, delta)
	}
	return rounds
}

// AcrossBatches runs the iterative cross-batch pass over the facts at keep
// and returns the indices it removed.
func (e *Engine) AcrossBatches(ctx context.Context, facts []string, keep []int) IndexSet {
	out := NewIndexSet()
	for _, r := range e.across(ctx, facts, keep, NewIndexSet()) {
		out.Union(r)
	}
	return out
}

// Result is the outcome of Deduplicate.
type Result struct {
	Kept     []string
	Removed  IndexSet
	Removals []Removal
	Rounds   int
}

// Deduplicate runs the within-batch pass, then cross-batch rounds over the
// survivors, and returns the surviving facts in their original order.
func (e *Engine) Deduplicate(ctx context.Context, facts []string) Result {
	removed := e.WithinBatches(ctx, facts)
	var removals []Removal
	for _, i := range removed.Sorted() {
		removals = append(removals, Removal{Index: i, Pass: PassWithin})
	}

	keep := make([]int, 0, len(facts))
	for i := range facts {
		if !removed.Has(i) {
			keep = append(keep, i)
		}
	}

	rounds := e.across(ctx, facts, keep, removed)
	for r, delta := range rounds {
		for _, i := range delta.Sorted() {
			removals = append(removals, Removal{Index: i, Pass: PassAcross, Round: r + 1})
		}
	}

	return Result{
		Kept:     Filter(facts, removed),
		Removed:  removed,
		Removals: removals,
		Rounds:   len(rounds),
	}
}

// Filter returns facts whose index is not in removed, preserving order.
func Filter(facts []string, removed IndexSet) []string {
	out := make([]string, 0, len(facts))
	for i, f := range facts {
		if !removed.Has(i) {
			out = append(out, f)
		}
	}
	return out
}

func survivors(keep []int, removed IndexSet) []int {
	out := make([]int, 0, len(keep))
	for _, i := range keep {
		if !removed.Has(i) {
			out = append(out, i)
		}
	}
	return out
}
