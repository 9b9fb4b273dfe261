package rollout

import (
	types "github.com/openloom/connector-rollout/internal/domain"
)

// Notifier receives rollout state-change events. Implementations must not
// block the evaluation tick; publishing is best-effort.
type Notifier interface {
	RolloutStarted(r *types.ConnectorRollout)
	RolloutAdvanced(r *types.ConnectorRollout, fromPct, toPct int)
	RolloutPaused(r *types.ConnectorRollout, reason string)
	RolloutResumed(r *types.ConnectorRollout)
	RolloutSucceeded(r *types.ConnectorRollout)
	RolloutFailed(r *types.ConnectorRollout, reason string)
	RolloutCanceled(r *types.ConnectorRollout)
}

type nopNotifier struct{}

func NewNopNotifier() Notifier { return nopNotifier{} }

func (nopNotifier) RolloutStarted(*types.ConnectorRollout)            {}
func (nopNotifier) RolloutAdvanced(*types.ConnectorRollout, int, int) {}
func (nopNotifier) RolloutPaused(*types.ConnectorRollout, string)     {}
func (nopNotifier) RolloutResumed(*types.ConnectorRollout)            {}
func (nopNotifier) RolloutSucceeded(*types.ConnectorRollout)          {}
func (nopNotifier) RolloutFailed(*types.ConnectorRollout, string)     {}
func (nopNotifier) RolloutCanceled(*types.ConnectorRollout)           {}
