package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/djlord-it/contentguard/internal/domain"
)

func (e *Engine) handleMaintenance(ctx context.Context, _ domain.Job) (any, error) {
	return e.RunMaintenance(ctx)
}

type takedownSendParams struct {
	BatchSize int `json:"batch_size"`
}

// handleTakedownSend runs one takedown batch from a scheduled job. The batch
// size defaults to the configured one.
func (e *Engine) handleTakedownSend(ctx context.Context, job domain.Job) (any, error) {
	params := takedownSendParams{BatchSize: e.config.TakedownBatchSize}
	if len(job.Parameters) > 0 {
		if err := json.Unmarshal(job.Parameters, &params); err != nil {
			return nil, domain.NewError(domain.KindValidation, "takedown send", fmt.Errorf("parameters: %w", err))
		}
	}
	if params.BatchSize <= 0 {
		params.BatchSize = e.config.TakedownBatchSize
	}
	return e.ProcessTakedownBatch(ctx, params.BatchSize)
}

type followupParams struct {
	TakedownID    string `json:"takedown_id"`
	ProfileID     string `json:"profile_id"`
	InfringingURL string `json:"infringing_url"`
}

// FollowupResult is stored as the LastResult of a takedown follow-up job.
type FollowupResult struct {
	TakedownID string `json:"takedown_id"`
	// StillLive is nil when no delisting checker is configured.
	StillLive *bool `json:"still_live,omitempty"`
	Notified  bool  `json:"notified"`
}

// handleFollowup runs after a takedown expired without a response. It checks
// whether the content is still reachable and tells the profile owner.
func (e *Engine) handleFollowup(ctx context.Context, job domain.Job) (any, error) {
	var params followupParams
	if err := json.Unmarshal(job.Parameters, &params); err != nil {
		return nil, domain.NewError(domain.KindValidation, "takedown followup", fmt.Errorf("parameters: %w", err))
	}
	if params.TakedownID == "" || params.InfringingURL == "" {
		return nil, domain.NewError(domain.KindValidation, "takedown followup", fmt.Errorf("takedown_id and infringing_url are required"))
	}

	result := FollowupResult{TakedownID: params.TakedownID}
	subject := "No response to takedown notice"
	level := domain.LevelWarning

	if e.delisting != nil {
		delisted, err := e.delisting.Delisted(ctx, params.InfringingURL)
		if err != nil {
			return nil, err
		}
		live := !delisted
		result.StillLive = &live
		if delisted {
			subject = "Content removed after takedown deadline"
			level = domain.LevelInfo
		} else {
			subject = "Content still live after takedown deadline"
		}
	}

	payload, err := json.Marshal(map[string]any{
		"takedown_id":    params.TakedownID,
		"infringing_url": params.InfringingURL,
		"still_live":     result.StillLive,
	})
	if err != nil {
		return nil, err
	}
	if err := e.notifications.Queue(ctx, domain.Notification{
		Recipient: params.ProfileID,
		Channel:   e.config.Takedown.NotifyChannel,
		Level:     level,
		Subject:   subject,
		Payload:   payload,
	}); err != nil {
		log.Printf("engine: followup takedown=%s notification error: %v", params.TakedownID, err)
	} else {
		result.Notified = true
	}

	log.Printf("engine: followup takedown=%s still_live=%s", params.TakedownID, formatLive(result.StillLive))
	return result, nil
}

func formatLive(v *bool) string {
	if v == nil {
		return "unknown"
	}
	return fmt.Sprintf("%t", *v)
}
