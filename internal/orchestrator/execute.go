package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/djlord-it/contentguard/internal/domain"
	"github.com/djlord-it/contentguard/internal/platform"
)

type platformTally struct {
	urls    int
	matches int
}

// executeScan runs one scan job. A non-nil result is returned even on
// cancellation so partial progress is kept on the job.
func (o *Orchestrator) executeScan(ctx context.Context, job domain.Job) (*domain.ScanResult, error) {
	req, err := decodeRequest(job)
	if err != nil {
		return nil, err
	}
	now := o.clock().UTC()
	if req.ExpiresAt != nil && req.ExpiresAt.Before(now) {
		return nil, domain.NewError(domain.KindExpired, "execute scan",
			fmt.Errorf("%w: scan %s expired at %s", domain.ErrExpired, req.ScanID, req.ExpiresAt.Format(time.RFC3339)))
	}

	platformCap := req.Scope.PlatformCap()
	regionCap := o.config.MaxRegionsPerScan
	if job.Tier == domain.TierImmediate {
		platformCap = capAt(platformCap, o.config.ImmediatePlatformCap)
		regionCap = capAt(regionCap, o.config.ImmediateRegionCap)
	}

	platforms, err := o.catalog.Select(req.Platforms, platformCap)
	if err != nil {
		return nil, err
	}
	scanners := make(map[domain.PlatformID]platform.Scanner, len(platforms))
	for _, p := range platforms {
		s, err := o.scanners.Lookup(p.Name)
		if err != nil {
			return nil, err
		}
		scanners[p.Name] = s
	}

	result := &domain.ScanResult{
		ScanID:    req.ScanID,
		StartedAt: now,
	}
	finish := func() {
		result.FinishedAt = o.clock().UTC()
		result.Duration = result.FinishedAt.Sub(result.StartedAt).String()
	}

	query := strings.Join(req.Keywords, " ")
	if query == "" {
		query = req.ProfileID
	}
	limit := req.Scope.ResultLimit()

	var (
		candidates []domain.Candidate
		calls      int
		succeeded  int
		tallies    = make(map[domain.PlatformID]*platformTally)
		usedRegion = make(map[domain.RegionID]bool)
	)

	for _, p := range platforms {
		preferred := req.Regions
		if len(preferred) == 0 {
			preferred = p.PreferredRegions
		}
		regions := o.regions.Select(preferred, regionCap)
		if len(regions) == 0 {
			result.Errors = append(result.Errors, domain.CallError{
				Platform: p.Name,
				Kind:     domain.KindResourceExhausted,
				Error:    "no active region available",
			})
			calls++
			continue
		}
		result.PlatformsScanned = append(result.PlatformsScanned, p.Name)
		tally := &platformTally{}
		tallies[p.Name] = tally

		for _, r := range regions {
			if err := o.checkpoint(ctx, job.ID); err != nil {
				finish()
				result.Cancelled = errors.Is(err, errCancelled)
				return result, err
			}
			calls++
			found, err := o.search(ctx, scanners[p.Name], p, r, query, limit)
			if err != nil {
				result.Errors = append(result.Errors, domain.CallError{
					Platform: p.Name,
					Region:   r.ID,
					Kind:     domain.Classify(err),
					Error:    err.Error(),
				})
				continue
			}
			succeeded++
			if !usedRegion[r.ID] {
				usedRegion[r.ID] = true
				result.RegionsUsed = append(result.RegionsUsed, r.ID)
			}
			for i := range found {
				if found[i].Platform == "" {
					found[i].Platform = p.Name
				}
				if found[i].Region == "" {
					found[i].Region = r.ID
				}
			}
			result.URLsScanned += len(found)
			tally.urls += len(found)
			candidates = append(candidates, found...)
		}
	}

	if succeeded == 0 && calls > 0 {
		finish()
		return result, allCallsFailed(result.Errors)
	}

	unique, dropped := Dedup(candidates)
	result.DuplicatesDrop = dropped
	if o.metrics != nil && dropped > 0 {
		o.metrics.CandidatesDeduplicated(dropped)
	}

	for _, c := range unique {
		if err := o.checkpoint(ctx, job.ID); err != nil {
			finish()
			result.Cancelled = errors.Is(err, errCancelled)
			return result, err
		}
		best, ok, err := o.match(ctx, c, req.ProfileID)
		if err != nil {
			result.Errors = append(result.Errors, domain.CallError{
				Platform: c.Platform,
				Region:   c.Region,
				Kind:     domain.Classify(err),
				Error:    "match: " + err.Error(),
			})
			continue
		}
		if !ok {
			continue
		}
		result.MatchesFound++
		if t := tallies[c.Platform]; t != nil {
			t.matches++
		}
		if best.Confidence < o.config.HighConfidence {
			continue
		}
		if err := o.submitTakedown(ctx, job, req, c, best); err != nil {
			result.Errors = append(result.Errors, domain.CallError{
				Platform: c.Platform,
				Region:   c.Region,
				Kind:     domain.Classify(err),
				Error:    "takedown: " + err.Error(),
			})
			continue
		}
		result.TakedownsCreated++
	}

	o.recordAnalytics(ctx, req.ProfileID, tallies)
	finish()
	log.Printf("orchestrator: job=%s scan=%s platforms=%d urls=%d dropped=%d matches=%d takedowns=%d errors=%d",
		job.ID, req.ScanID, len(result.PlatformsScanned), result.URLsScanned, result.DuplicatesDrop,
		result.MatchesFound, result.TakedownsCreated, len(result.Errors))
	return result, nil
}

func decodeRequest(job domain.Job) (domain.ScanRequest, error) {
	var req domain.ScanRequest
	if len(job.Parameters) > 0 {
		if err := json.Unmarshal(job.Parameters, &req); err != nil {
			return req, domain.NewError(domain.KindValidation, "decode scan request", err)
		}
	}
	if req.ProfileID == "" {
		req.ProfileID = job.SubjectID
	}
	if req.Scope == "" {
		switch job.Kind {
		case domain.JobKindQuickScan:
			req.Scope = domain.ScopeQuick
		case domain.JobKindPlatformScan:
			req.Scope = domain.ScopeTargeted
		default:
			req.Scope = domain.ScopeComprehensive
		}
	}
	if req.ScanID == "" {
		req.ScanID = job.ID
	}
	if err := req.Validate(); err != nil {
		return req, err
	}
	return req, nil
}

// checkpoint is the safe point before every external sub-call. It returns
// the context error on shutdown and errCancelled when cancellation was
// requested for the job.
func (o *Orchestrator) checkpoint(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	requested, err := o.queue.CancelRequested(ctx, jobID)
	if err != nil {
		log.Printf("orchestrator: job=%s cancel check error: %v", jobID, err)
		return nil
	}
	if requested {
		return errCancelled
	}
	return nil
}

// search performs one rate-limited scanner call under CallTimeout. Region
// health only counts transient failures; rate limiting is not the region's
// fault.
func (o *Orchestrator) search(ctx context.Context, s platform.Scanner, p domain.PlatformConfig, r domain.Region, query string, limit int) (found []domain.Candidate, err error) {
	callCtx, cancel := o.callContext(ctx)
	defer cancel()

	start := o.clock()
	defer func() {
		if rec := recover(); rec != nil {
			found = nil
			err = domain.NewError(domain.KindTransient, "scanner", fmt.Errorf("panic: %v", rec))
		}
		outcome := "success"
		if err != nil {
			outcome = string(domain.Classify(err))
		}
		if o.metrics != nil {
			o.metrics.PlatformCallCompleted(string(p.Name), outcome, o.clock().Sub(start))
		}
	}()

	if err := o.limiters.Wait(callCtx, p); err != nil {
		return nil, err
	}

	found, err = s.Search(callCtx, query, p.Name, r, limit)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = domain.NewError(domain.KindTransient, "scanner", fmt.Errorf("timeout after %s: %w", o.config.CallTimeout, err))
		}
		kind := domain.Classify(err)
		if kind == domain.KindTransient && ctx.Err() == nil {
			o.regions.RecordResult(r.ID, false)
		}
		log.Printf("orchestrator: platform=%s region=%s kind=%s err=%v", p.Name, r.ID, kind, err)
		return nil, err
	}
	o.regions.RecordResult(r.ID, true)
	return found, nil
}

// match returns the highest-confidence verdict for c. ok is false when the
// matcher found nothing.
func (o *Orchestrator) match(ctx context.Context, c domain.Candidate, profileID string) (best domain.MatchResult, ok bool, err error) {
	if o.matcher == nil {
		return best, false, nil
	}
	callCtx, cancel := o.callContext(ctx)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			ok = false
			err = domain.NewError(domain.KindTransient, "matcher", fmt.Errorf("panic: %v", rec))
		}
	}()

	results, err := o.matcher.Match(callCtx, c, profileID)
	if err != nil {
		return best, false, err
	}
	for _, r := range results {
		if r.Confidence <= 0 {
			continue
		}
		if !ok || r.Confidence > best.Confidence {
			best = r
			ok = true
		}
	}
	return best, ok, nil
}

func (o *Orchestrator) submitTakedown(ctx context.Context, job domain.Job, req domain.ScanRequest, c domain.Candidate, m domain.MatchResult) error {
	if o.takedowns == nil {
		return nil
	}
	tier := domain.TierHigh
	if m.Confidence >= o.config.UrgentConfidence {
		tier = domain.TierUrgent
	}
	created, err := o.takedowns.Enqueue(ctx, domain.TakedownRequest{
		SubjectProfileID: req.ProfileID,
		ScanJobID:        job.ID,
		InfringingURL:    c.URL,
		Tier:             tier,
		Confidence:       m.Confidence,
		MatchType:        m.MatchType,
	})
	if err != nil {
		return err
	}
	log.Printf("orchestrator: job=%s takedown=%s url=%s confidence=%.2f tier=%s",
		job.ID, created.ID, c.URL, m.Confidence, tier)
	return nil
}

func (o *Orchestrator) recordAnalytics(ctx context.Context, profileID string, tallies map[domain.PlatformID]*platformTally) {
	if o.analytics == nil {
		return
	}
	for id, t := range tallies {
		o.analytics.RecordScan(ctx, profileID, id, t.urls, t.matches)
	}
}

func (o *Orchestrator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.config.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.config.CallTimeout)
}

// allCallsFailed picks the job-level error when no scanner call succeeded.
// If every failure was rate limiting the job is requeued unchanged,
// otherwise it is retried as a transient failure.
func allCallsFailed(errs []domain.CallError) error {
	exhausted := true
	for _, e := range errs {
		if e.Kind != domain.KindResourceExhausted {
			exhausted = false
			break
		}
	}
	if exhausted {
		return domain.NewError(domain.KindResourceExhausted, "execute scan",
			fmt.Errorf("%w: all %d platform calls were throttled", domain.ErrResourceExhausted, len(errs)))
	}
	return domain.NewError(domain.KindTransient, "execute scan", fmt.Errorf("all %d platform calls failed", len(errs)))
}

// capAt applies an extra cap to a limit where zero means unlimited.
func capAt(limit, extra int) int {
	if extra <= 0 {
		return limit
	}
	if limit <= 0 || extra < limit {
		return extra
	}
	return limit
}
