package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

type runnerFunc func(ctx context.Context, patientID string, status func(JobStatus, string)) (Result, error)

func (f runnerFunc) RunJob(ctx context.Context, patientID string, _ *slog.Logger, status func(JobStatus, string)) (Result, error) {
	return f(ctx, patientID, status)
}

func waitFor(t *testing.T, job *Job, want JobStatus) JobSnapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := job.Snapshot()
		if snap.Status == want {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s (last %s)", job.ID, want, job.Snapshot().Status)
	return JobSnapshot{}
}

func TestOrchestrator_RunsJobs(t *testing.T) {
	runner := runnerFunc(func(_ context.Context, id string, status func(JobStatus, string)) (Result, error) {
		status(StatusExtracting, "extracting facts")
		if id == "bad" {
			return Result{}, errors.New("load notes: no such file")
		}
		status(StatusCompleted, "done")
		return Result{RawCount: 5, DedupedCount: 4, Removed: 1}, nil
	})
	o := NewOrchestrator(runner, 2, 10, time.Hour, discard)
	o.Start(context.Background())
	defer o.Stop()

	good, err := o.Submit("p1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	bad, err := o.Submit("bad")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	snap := waitFor(t, good, StatusCompleted)
	if snap.Result.RawCount != 5 || snap.Result.DedupedCount != 4 {
		t.Errorf("unexpected result %+v", snap.Result)
	}
	snap = waitFor(t, bad, StatusFailed)
	if len(snap.Errors) != 1 {
		t.Errorf("expected recorded error, got %v", snap.Errors)
	}
	if o.GetJob(good.ID) != good {
		t.Error("expected job lookup by id")
	}
}

func TestOrchestrator_QueueFull(t *testing.T) {
	block := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, _ string, _ func(JobStatus, string)) (Result, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return Result{}, nil
	})
	o := NewOrchestrator(runner, 1, 1, time.Hour, discard)
	// Workers not started: the queue fills after one job.
	if _, err := o.Submit("a"); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	job, err := o.Submit("b")
	if err == nil {
		t.Fatal("expected queue full error")
	}
	if job.Snapshot().Status != StatusFailed {
		t.Errorf("expected rejected job to be failed, got %s", job.Snapshot().Status)
	}
	if o.QueueDepth() != 1 {
		t.Errorf("expected depth 1, got %d", o.QueueDepth())
	}
	close(block)
	o.Start(context.Background())
	o.Stop()
}

func TestOrchestrator_OneActiveJobPerPatient(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	runner := runnerFunc(func(ctx context.Context, _ string, _ func(JobStatus, string)) (Result, error) {
		started <- struct{}{}
		<-release
		return Result{}, nil
	})
	o := NewOrchestrator(runner, 2, 10, time.Hour, discard)
	o.Start(context.Background())
	defer o.Stop()

	first, err := o.Submit("p1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started
	again, err := o.Submit("p1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if again != first {
		t.Fatalf("expected the running job %s to be returned, got %s", first.ID, again.ID)
	}

	close(release)
	waitFor(t, first, StatusCompleted)

	// The worker releases the patient after recording the outcome.
	deadline := time.Now().Add(2 * time.Second)
	for {
		next, err := o.Submit("p1")
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if next != first {
			waitFor(t, next, StatusCompleted)
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("patient was never released")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
