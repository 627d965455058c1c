package api

import (
	"fmt"
	"time"

	"github.com/djlord-it/contentguard/internal/cron"
	"github.com/djlord-it/contentguard/internal/domain"
)

var cronParser = cron.NewParser()

func parseScanRequest(req ScanRequest) (domain.ScanRequest, domain.Tier, error) {
	if req.ProfileID == "" {
		return domain.ScanRequest{}, 0, fmt.Errorf("profile_id is required")
	}
	scope, err := domain.ParseScope(req.Scope)
	if err != nil {
		return domain.ScanRequest{}, 0, err
	}
	tier, err := parseTier(req.Tier)
	if err != nil {
		return domain.ScanRequest{}, 0, err
	}
	if scope == domain.ScopeTargeted && len(req.Platforms) == 0 {
		return domain.ScanRequest{}, 0, fmt.Errorf("platforms are required for a targeted scan")
	}

	out := domain.ScanRequest{
		ProfileID: req.ProfileID,
		Scope:     scope,
		Keywords:  req.Keywords,
		ExpiresAt: req.ExpiresAt,
		Metadata:  req.Metadata,
	}
	for _, p := range req.Platforms {
		out.Platforms = append(out.Platforms, domain.PlatformID(p))
	}
	for _, r := range req.Regions {
		out.Regions = append(out.Regions, domain.RegionID(r))
	}
	return out, tier, nil
}

func parseCreateSchedule(req CreateScheduleRequest) (domain.Trigger, error) {
	sched := domain.Schedule{
		Kind:            domain.ScheduleKind(req.Schedule.Kind),
		IntervalSeconds: req.Schedule.IntervalSeconds,
		CronExpression:  req.Schedule.CronExpression,
		Timezone:        req.Schedule.Timezone,
		RunAt:           req.Schedule.RunAt,
	}
	if err := sched.Validate(); err != nil {
		return domain.Trigger{}, fmt.Errorf("invalid schedule: %w", err)
	}
	if sched.Kind == domain.ScheduleCron {
		if _, err := cronParser.Parse(sched.CronExpression, sched.Timezone); err != nil {
			return domain.Trigger{}, fmt.Errorf("invalid cron_expression: %w", err)
		}
	} else if sched.Timezone != "" {
		if _, err := time.LoadLocation(sched.Timezone); err != nil {
			return domain.Trigger{}, fmt.Errorf("invalid timezone: %w", err)
		}
	}

	kind, err := domain.ParseJobKind(req.Job.Kind)
	if err != nil {
		return domain.Trigger{}, err
	}
	tier, err := parseTier(req.Job.Tier)
	if err != nil {
		return domain.Trigger{}, err
	}
	if req.Job.MaxAttempts < 0 || req.Job.DeadlineSeconds < 0 || req.MisfireGraceSeconds < 0 {
		return domain.Trigger{}, fmt.Errorf("max_attempts, deadline_seconds and misfire_grace_seconds must not be negative")
	}

	return domain.Trigger{
		Name:     req.Name,
		Schedule: sched,
		Template: domain.JobTemplate{
			Kind:        kind,
			SubjectID:   req.Job.SubjectID,
			Tier:        tier,
			MaxAttempts: req.Job.MaxAttempts,
			Deadline:    time.Duration(req.Job.DeadlineSeconds) * time.Second,
			Parameters:  req.Job.Parameters,
		},
		MisfireGrace: time.Duration(req.MisfireGraceSeconds) * time.Second,
	}, nil
}

func parseTier(s string) (domain.Tier, error) {
	if s == "" {
		return domain.TierNormal, nil
	}
	return domain.ParseTier(s)
}
