package rolloutrun

import (
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/workflow"
)

// Workflow drives one connector rollout to a terminal state. Each iteration
// runs exactly one evaluation tick; operator commands arrive as signals and
// are folded into the next tick.
func Workflow(ctx workflow.Context) error {
	execID := strings.TrimSpace(workflow.GetInfo(ctx).WorkflowExecution.ID)
	if !strings.HasPrefix(execID, workflowIDPrefix) {
		return fmt.Errorf("rolloutrun: unexpected workflow id %q", execID)
	}
	rolloutID := strings.TrimPrefix(execID, workflowIDPrefix)
	if rolloutID == "" {
		return fmt.Errorf("rolloutrun: missing rollout_id")
	}

	const (
		defaultPollInterval  = 30 * time.Second
		continueTickLimit    = 2000
		continueHistoryLimit = 15000
	)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy:         nil, // evaluation retries happen tick to tick
	})

	// Fixed order: replay must fold same-tick signals identically, so
	// channel handling cannot depend on map iteration.
	channels := []signalBinding{
		{SignalAdvance, workflow.GetSignalChannel(ctx, SignalAdvance)},
		{SignalPause, workflow.GetSignalChannel(ctx, SignalPause)},
		{SignalResume, workflow.GetSignalChannel(ctx, SignalResume)},
		{SignalCancel, workflow.GetSignalChannel(ctx, SignalCancel)},
	}

	var cmd TickCommand
	tickCount := 0

	for {
		drainCommands(ctx, channels, &cmd)

		tickCount++
		tick := cmd
		cmd = TickCommand{}

		var out TickResult
		if err := workflow.ExecuteActivity(ctx, ActivityTick, rolloutID, tick).Get(ctx, &out); err != nil {
			return err
		}
		if out.Done {
			// A failed rollout is a valid terminal outcome; the workflow
			// itself completed its job either way.
			return nil
		}

		if shouldContinueAsNew(ctx, tickCount, continueTickLimit, continueHistoryLimit) {
			return workflow.NewContinueAsNewError(ctx, Workflow)
		}

		waitForCommandOrTimer(ctx, channels, &cmd, nextWait(ctx, out.WaitUntil, defaultPollInterval))
	}
}

type signalBinding struct {
	name string
	ch   workflow.ReceiveChannel
}

// drainCommands folds every buffered signal into cmd without blocking.
func drainCommands(ctx workflow.Context, channels []signalBinding, cmd *TickCommand) {
	for _, b := range channels {
		for {
			var c Command
			if !b.ch.ReceiveAsync(&c) {
				break
			}
			applyCommand(cmd, b.name, c)
		}
	}
}

// waitForCommandOrTimer blocks until a signal arrives or the poll timer
// fires, whichever comes first.
func waitForCommandOrTimer(ctx workflow.Context, channels []signalBinding, cmd *TickCommand, maxWait time.Duration) {
	timer := workflow.NewTimer(ctx, maxWait)
	sel := workflow.NewSelector(ctx)
	for _, b := range channels {
		name := b.name
		sel.AddReceive(b.ch, func(c workflow.ReceiveChannel, more bool) {
			var v Command
			c.Receive(ctx, &v)
			applyCommand(cmd, name, v)
		})
	}
	sel.AddFuture(timer, func(f workflow.Future) {})
	sel.Select(ctx)
}

func applyCommand(cmd *TickCommand, signal string, c Command) {
	switch signal {
	case SignalAdvance:
		cmd.Advance = true
	case SignalPause:
		cmd.Pause = true
	case SignalResume:
		cmd.Resume = true
	case SignalCancel:
		cmd.Cancel = true
	}
	if c.Reason != "" {
		cmd.Reason = c.Reason
	}
	if c.RequestedBy != "" {
		cmd.RequestedBy = c.RequestedBy
	}
}

func nextWait(ctx workflow.Context, waitUntil *time.Time, def time.Duration) time.Duration {
	if waitUntil == nil || waitUntil.IsZero() {
		return def
	}
	now := workflow.Now(ctx)
	if waitUntil.Before(now) {
		return def
	}
	d := waitUntil.Sub(now)
	if d <= 0 {
		return def
	}
	if d > 15*time.Minute {
		return 15 * time.Minute
	}
	return d
}

func shouldContinueAsNew(ctx workflow.Context, ticks, maxTicks, maxHistory int) bool {
	if maxTicks > 0 && ticks >= maxTicks {
		return true
	}
	info := workflow.GetInfo(ctx)
	if info == nil || maxHistory <= 0 {
		return false
	}
	return info.GetCurrentHistoryLength() >= maxHistory
}
