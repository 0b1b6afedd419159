package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgallion1/clinfacts/internal/extract"
	"github.com/dgallion1/clinfacts/internal/pathstore"
	"github.com/dgallion1/clinfacts/internal/workpool"
)

// NodeWriter is the part of the pathstore client the publisher needs.
type NodeWriter interface {
	PutNode(ctx context.Context, key string, req pathstore.NodeRequest) error
	DeleteNode(ctx context.Context, key string, recursive bool) error
}

// Publisher replaces a patient's published facts in pathstore with the
// latest deduplicated list, one node per fact.
type Publisher struct {
	ps      NodeWriter
	workers int
}

func NewPublisher(ps NodeWriter, workers int) *Publisher {
	if workers <= 0 {
		workers = 1
	}
	return &Publisher{ps: ps, workers: workers}
}

// PatientKey is the pathstore prefix for one patient.
func PatientKey(patientID string) string {
	return "clinfacts/patients/" + patientID
}

// FactKey is the pathstore key for the fact at index.
func FactKey(patientID string, index int) string {
	return fmt.Sprintf("%s/facts/%05d", PatientKey(patientID), index)
}

// Publish deletes the patient's previous fact nodes and writes facts. It
// returns how many nodes were written; failed writes are joined into err.
func (p *Publisher) Publish(ctx context.Context, patientID string, facts []string) (int, error) {
	if err := p.ps.DeleteNode(ctx, PatientKey(patientID)+"/facts", true); err != nil {
		return 0, fmt.Errorf("clear published facts: %w", err)
	}

	outs := workpool.Collect(ctx, p.workers, len(facts), func(ctx context.Context, i int) (struct{}, error) {
		value := map[string]any{"index": i, "text": facts[i]}
		if d, ok := extract.FactDate(facts[i]); ok {
			value["date"] = d
		}
		return struct{}{}, p.ps.PutNode(ctx, FactKey(patientID, i), pathstore.NodeRequest{
			Value:      value,
			MemoryType: "semantic",
			Source:     "clinfacts:" + patientID,
		})
	})

	var errs []error
	for _, o := range outs {
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("fact %d: %w", o.Index, o.Err))
		}
	}
	stored := len(facts) - len(errs)

	err := p.ps.PutNode(ctx, PatientKey(patientID)+"/meta", pathstore.NodeRequest{
		Value: map[string]any{
			"fact_count":   stored,
			"published_at": time.Now().UTC().Format(time.RFC3339),
		},
		MemoryType: "metacognitive",
		Source:     "clinfacts:" + patientID,
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("meta: %w", err))
	}
	return stored, errors.Join(errs...)
}
