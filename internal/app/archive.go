package app

import (
	"context"

	"autopilot/internal/jobs"
	"autopilot/internal/storage"
)

// storeArchiver adapts the storage.Store to the engine's Archiver port.
type storeArchiver struct {
	store storage.Store
}

func (a storeArchiver) ArchiveJob(ctx context.Context, j jobs.Job) error {
	return a.store.AppendJob(ctx, jobRecord(j))
}

func jobRecord(j jobs.Job) storage.JobRecord {
	var durMS int64
	if !j.StartedAt.IsZero() && !j.CompletedAt.IsZero() {
		if d := j.CompletedAt.Sub(j.StartedAt); d > 0 {
			durMS = d.Milliseconds()
		}
	}
	return storage.JobRecord{
		ID:          j.ID,
		Type:        string(j.Type),
		State:       string(j.State),
		Priority:    j.Priority,
		Attempts:    j.RetryCount + 1,
		OwnerUserID: j.OwnerUserID,
		SubmittedAt: j.SubmittedAt,
		CompletedAt: j.CompletedAt,
		DurationMS:  durMS,
		Error:       j.LastError,
	}
}
