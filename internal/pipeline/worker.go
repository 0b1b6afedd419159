package pipeline

import (
	"context"
	"time"
)

// process runs one job and records its outcome on the job.
func (o *Orchestrator) process(ctx context.Context, job *Job) {
	defer o.release(job)
	log := o.log.With("job_id", job.ID)
	start := time.Now()

	res, err := o.runner.RunJob(ctx, job.PatientID, log, job.SetStatus)
	job.SetResult(res)
	if err != nil {
		log.Error("run failed", "patient_id", job.PatientID, "error", err)
		job.AddError(err.Error())
		job.SetStatus(StatusFailed, "failed")
		return
	}
	if !job.Snapshot().Status.Done() {
		job.SetStatus(StatusCompleted, "completed")
	}
	log.Info("run completed",
		"patient_id", job.PatientID,
		"raw", res.RawCount,
		"deduped", res.DedupedCount,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
}
