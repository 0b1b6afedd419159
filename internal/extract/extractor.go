// Package extract turns clinical notes into a flat list of dated atomic facts.
package extract

import (
	"context"
	"strings"
	"time"

	"github.com/dgallion1/clinfacts/internal/chunker"
	"github.com/dgallion1/clinfacts/internal/llm"
	"github.com/dgallion1/clinfacts/internal/notes"
	"github.com/dgallion1/clinfacts/internal/observe"
	"github.com/dgallion1/clinfacts/internal/workpool"
)

// DefaultWorkers bounds concurrent extraction calls when none is configured.
const DefaultWorkers = 12

// Options configures an Extractor.
type Options struct {
	ChunkSize int
	Workers   int
	Observer  observe.Observer
}

// Extractor calls the model once per note chunk.
type Extractor struct {
	model     llm.Completer
	chunkSize int
	workers   int
	obs       observe.Observer
}

func New(model llm.Completer, opts Options) *Extractor {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = chunker.DefaultSize
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	return &Extractor{
		model:     model,
		chunkSize: opts.ChunkSize,
		workers:   opts.Workers,
		obs:       observe.OrNop(opts.Observer),
	}
}

// Extract asks the model for the atomic claims in one chunk of text and
// date-tags each of them with noteDate when the model left the tag off.
// Claims that are empty after trimming whitespace are skipped, so the result
// can be shorter than the model's claim list.
func (e *Extractor) Extract(ctx context.Context, noteDate time.Time, text string) ([]string, error) {
	user, err := BuildUserPrompt(noteDate, text)
	if err != nil {
		return nil, err
	}
	raw, err := e.model.Complete(ctx, SystemPrompt, user)
	if err != nil {
		return nil, err
	}
	claims, err := ParseClaims(raw)
	if err != nil {
		return nil, err
	}

	facts := make([]string, 0, len(claims))
	for _, c := range claims {
		if strings.TrimSpace(c) == "" {
			continue
		}
		facts = append(facts, TagDate(c, noteDate))
	}
	return facts, nil
}

// Report summarizes one ExtractAll call.
type Report struct {
	Notes  int
	Chunks int
	Failed int
	Facts  int
}

type unit struct {
	note  notes.Note
	chunk chunker.Chunk
}

// ExtractAll chunks every note and extracts each chunk concurrently. A failed
// chunk contributes no facts and does not stop the others. Facts are
// concatenated in chunk completion order, not note order.
func (e *Extractor) ExtractAll(ctx context.Context, ns []notes.Note) ([]string, Report) {
	var units []unit
	for _, n := range ns {
		for _, c := range chunker.ChunkNote(n.ID, n.Text, e.chunkSize) {
			units = append(units, unit{note: n, chunk: c})
		}
	}
	rep := Report{Notes: len(ns), Chunks: len(units)}

	outs := workpool.Collect(ctx, e.workers, len(units), func(ctx context.Context, i int) ([]string, error) {
		u := units[i]
		return e.Extract(ctx, u.note.Date, u.chunk.Text)
	})

	facts := make([]string, 0)
	for _, o := range outs {
		u := units[o.Index]
		e.obs.Unit(observe.UnitEvent{
			Stage: observe.StageExtract,
			Unit:  o.Index,
			Count: len(o.Value),
			Items: o.Value,
			Err:   o.Err,
			Attrs: []any{
				"note_id", u.note.ID,
				"note_date", u.note.Date.Format(time.DateOnly),
				"title", u.note.Title,
				"chunk", u.chunk.Index,
				"est_tokens", chunker.EstimateTokens(u.chunk.Text),
			},
		})
		if o.Err != nil {
			rep.Failed++
			continue
		}
		facts = append(facts, o.Value...)
	}
	rep.Facts = len(facts)
	return facts, rep
}
