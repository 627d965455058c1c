package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/djlord-it/contentguard/internal/domain"
	"github.com/djlord-it/contentguard/internal/notify"
	"github.com/djlord-it/contentguard/internal/store"
	"github.com/djlord-it/contentguard/internal/takedown"
)

// ErrNotFound is returned when a job, trigger or takedown id is unknown.
var ErrNotFound = store.ErrNotFound

// ScheduleScan queues a scan for req at the given tier and returns the job id.
func (e *Engine) ScheduleScan(ctx context.Context, req domain.ScanRequest, tier domain.Tier) (string, error) {
	job, err := e.orchestrator.ScheduleScan(ctx, req, tier)
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

// CreateSchedule registers a trigger. Scan templates must carry a valid
// ScanRequest; its profile becomes the template subject when none is set.
func (e *Engine) CreateSchedule(ctx context.Context, t domain.Trigger) (domain.Trigger, error) {
	if t.Template.Kind.IsScan() {
		var req domain.ScanRequest
		if err := json.Unmarshal(t.Template.Parameters, &req); err != nil {
			return domain.Trigger{}, domain.NewError(domain.KindValidation, "create schedule", fmt.Errorf("scan parameters: %w", err))
		}
		if err := req.Validate(); err != nil {
			return domain.Trigger{}, err
		}
		if t.Template.SubjectID == "" {
			t.Template.SubjectID = req.ProfileID
		}
	}
	return e.scheduler.Create(ctx, t)
}

func (e *Engine) GetSchedule(ctx context.Context, id string) (domain.Trigger, error) {
	return e.scheduler.Get(ctx, id)
}

func (e *Engine) PauseSchedule(ctx context.Context, id string) (domain.Trigger, error) {
	return e.scheduler.Pause(ctx, id)
}

func (e *Engine) ResumeSchedule(ctx context.Context, id string) (domain.Trigger, error) {
	return e.scheduler.Resume(ctx, id)
}

// CancelSchedule cancels a trigger and the job it queued but did not start.
func (e *Engine) CancelSchedule(ctx context.Context, id string) (domain.Trigger, error) {
	return e.scheduler.Cancel(ctx, id)
}

// CancelJob reports false when the job had already finished.
func (e *Engine) CancelJob(ctx context.Context, id string) (bool, error) {
	return e.jobs.Cancel(ctx, id)
}

func (e *Engine) GetJobStatus(ctx context.Context, id string) (domain.JobSnapshot, error) {
	job, err := e.jobs.Get(ctx, id)
	if err != nil {
		return domain.JobSnapshot{}, err
	}
	return job.Snapshot(), nil
}

func (e *Engine) GetTakedownStatus(ctx context.Context, id string) (domain.TakedownSnapshot, error) {
	req, err := e.takedowns.Get(ctx, id)
	if err != nil {
		return domain.TakedownSnapshot{}, err
	}
	return req.Snapshot(), nil
}

// RecordTakedownResponse applies a hosting provider's reply.
func (e *Engine) RecordTakedownResponse(ctx context.Context, id string, status domain.TakedownStatus, note string) (domain.TakedownSnapshot, error) {
	req, err := e.takedowns.RecordResponse(ctx, id, status, note)
	if err != nil {
		return domain.TakedownSnapshot{}, err
	}
	return req.Snapshot(), nil
}

func (e *Engine) ProcessTakedownBatch(ctx context.Context, n int) (takedown.BatchResult, error) {
	return e.takedowns.ProcessBatch(ctx, n)
}

func (e *Engine) ProcessNotificationBatch(ctx context.Context, n int) (notify.BatchResult, error) {
	return e.notifications.ProcessBatch(ctx, n)
}

// MaintenanceResult summarises one maintenance run.
type MaintenanceResult struct {
	JobsPruned      int `json:"jobs_pruned"`
	TakedownsPruned int `json:"takedowns_pruned"`
	RecordsPurged   int `json:"records_purged"`
}

// RunMaintenance prunes finished jobs and takedowns past retention, purges
// expired records on backends that need it and reports queue depths.
func (e *Engine) RunMaintenance(ctx context.Context) (MaintenanceResult, error) {
	var res MaintenanceResult
	var err error

	if res.JobsPruned, err = e.jobs.Prune(ctx, e.config.MaintenanceBatch); err != nil {
		return res, fmt.Errorf("prune jobs: %w", err)
	}
	if res.TakedownsPruned, err = e.takedowns.Prune(ctx, e.config.MaintenanceBatch); err != nil {
		return res, fmt.Errorf("prune takedowns: %w", err)
	}
	if p, ok := e.store.(store.Purger); ok {
		if res.RecordsPurged, err = p.PurgeExpired(ctx); err != nil {
			return res, fmt.Errorf("purge expired: %w", err)
		}
	}

	if _, err := e.jobs.Depths(ctx); err != nil {
		log.Printf("engine: job queue depths error: %v", err)
	}
	if depths, err := e.takedowns.Depths(ctx); err != nil {
		log.Printf("engine: takedown queue depths error: %v", err)
	} else if e.metrics != nil {
		for name, n := range depths {
			e.metrics.QueueDepth("takedown:"+name, n)
		}
	}
	if n, err := e.notifications.Pending(ctx); err != nil {
		log.Printf("engine: notification depth error: %v", err)
	} else if e.metrics != nil {
		e.metrics.QueueDepth("notifications:pending", n)
	}

	log.Printf("engine: maintenance jobs_pruned=%d takedowns_pruned=%d records_purged=%d",
		res.JobsPruned, res.TakedownsPruned, res.RecordsPurged)
	return res, nil
}

func (e *Engine) ReactivateRegion(id domain.RegionID) error {
	return e.regions.Reactivate(id)
}

func (e *Engine) Regions() []domain.Region {
	return e.regions.List()
}
