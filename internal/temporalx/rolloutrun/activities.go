package rolloutrun

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"

	"github.com/openloom/connector-rollout/internal/platform/logger"
	"github.com/openloom/connector-rollout/internal/rollout"
)

type Activities struct {
	Log    *logger.Logger
	Engine *rollout.Engine
}

func (a *Activities) Tick(ctx context.Context, rolloutID string, cmd TickCommand) (TickResult, error) {
	res := TickResult{RolloutID: strings.TrimSpace(rolloutID)}
	if a == nil || a.Engine == nil {
		return res, fmt.Errorf("rolloutrun: activity not configured")
	}

	id, err := uuid.Parse(res.RolloutID)
	if err != nil || id == uuid.Nil {
		return res, fmt.Errorf("rolloutrun: invalid rollout_id")
	}

	stopHB := startHeartbeat(ctx)
	defer stopHB()

	req := rollout.TickRequest{
		RolloutID:        id,
		AdvanceRequested: cmd.Advance,
		PauseRequested:   cmd.Pause,
		ResumeRequested:  cmd.Resume,
		CancelRequested:  cmd.Cancel,
		Reason:           strings.TrimSpace(cmd.Reason),
	}
	if by := strings.TrimSpace(cmd.RequestedBy); by != "" {
		if u, err := uuid.Parse(by); err == nil && u != uuid.Nil {
			req.RequestedBy = &u
		}
	}

	out, err := a.Engine.Evaluate(ctx, req)
	if err != nil {
		if a.Log != nil {
			a.Log.Error("Rollout tick failed", "rollout_id", id, "error", err)
		}
		return res, err
	}

	res.State = string(out.State)
	res.CurrentPct = out.CurrentPct
	res.Done = out.Done
	res.WaitUntil = out.WaitUntil
	return res, nil
}

func startHeartbeat(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		hb := time.NewTicker(10 * time.Second)
		defer hb.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-hb.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	return func() { close(done) }
}
