package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	types "github.com/openloom/connector-rollout/internal/domain"
	"github.com/openloom/connector-rollout/internal/platform/logger"
	"github.com/openloom/connector-rollout/internal/rollout"
)

// RolloutEvent is the wire shape published on the rollout event channel.
type RolloutEvent struct {
	Event             string    `json:"event"`
	RolloutID         string    `json:"rollout_id"`
	ActorDefinitionID string    `json:"actor_definition_id"`
	State             string    `json:"state"`
	FromPct           int       `json:"from_pct,omitempty"`
	ToPct             int       `json:"to_pct,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	At                time.Time `json:"at"`
}

type notifier struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

// NewNotifier publishes rollout lifecycle events over Redis pub/sub so
// dashboards and other services can follow rollouts without polling.
func NewNotifier(log *logger.Logger, rdb *goredis.Client) (rollout.Notifier, error) {
	if log == nil || rdb == nil {
		return nil, fmt.Errorf("logger and redis client required")
	}
	ch := strings.TrimSpace(os.Getenv("REDIS_ROLLOUT_CHANNEL"))
	if ch == "" {
		ch = "connector-rollout-events"
	}
	return &notifier{
		log:     log.With("service", "RedisRolloutNotifier"),
		rdb:     rdb,
		channel: ch,
	}, nil
}

func (n *notifier) publish(event string, r *types.ConnectorRollout, mutate func(*RolloutEvent)) {
	if r == nil {
		return
	}
	ev := RolloutEvent{
		Event:             event,
		RolloutID:         r.ID.String(),
		ActorDefinitionID: r.ActorDefinitionID.String(),
		State:             string(r.State),
		At:                time.Now().UTC(),
	}
	if mutate != nil {
		mutate(&ev)
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		n.log.Warn("Failed to encode rollout event", "event", event, "error", err)
		return
	}

	// Best-effort: a lost event never blocks or fails a tick.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.rdb.Publish(ctx, n.channel, raw).Err(); err != nil {
		n.log.Warn("Failed to publish rollout event", "event", event, "rollout_id", ev.RolloutID, "error", err)
	}
}

func (n *notifier) RolloutStarted(r *types.ConnectorRollout) {
	n.publish("rollout.started", r, func(ev *RolloutEvent) { ev.ToPct = r.CurrentPct() })
}

func (n *notifier) RolloutAdvanced(r *types.ConnectorRollout, fromPct, toPct int) {
	n.publish("rollout.advanced", r, func(ev *RolloutEvent) {
		ev.FromPct = fromPct
		ev.ToPct = toPct
	})
}

func (n *notifier) RolloutPaused(r *types.ConnectorRollout, reason string) {
	n.publish("rollout.paused", r, func(ev *RolloutEvent) { ev.Reason = reason })
}

func (n *notifier) RolloutResumed(r *types.ConnectorRollout) {
	n.publish("rollout.resumed", r, nil)
}

func (n *notifier) RolloutSucceeded(r *types.ConnectorRollout) {
	n.publish("rollout.succeeded", r, nil)
}

func (n *notifier) RolloutFailed(r *types.ConnectorRollout, reason string) {
	n.publish("rollout.failed", r, func(ev *RolloutEvent) { ev.Reason = reason })
}

func (n *notifier) RolloutCanceled(r *types.ConnectorRollout) {
	n.publish("rollout.canceled", r, nil)
}
