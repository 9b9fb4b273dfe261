package rolloutrun

import (
	"time"

	"github.com/google/uuid"
)

const (
	WorkflowName = "connector_rollout"
	ActivityTick = "connector_rollout_tick"

	SignalAdvance = "rollout_advance"
	SignalPause   = "rollout_pause"
	SignalResume  = "rollout_resume"
	SignalCancel  = "rollout_cancel"
)

const workflowIDPrefix = "connector-rollout/"

// WorkflowID derives the workflow execution ID for a rollout. One workflow
// per rollout; starting it again for the same rollout is a no-op.
func WorkflowID(rolloutID uuid.UUID) string {
	return workflowIDPrefix + rolloutID.String()
}

// Command is the signal payload for operator actions.
type Command struct {
	Reason      string `json:"reason,omitempty"`
	RequestedBy string `json:"requested_by,omitempty"`
}

// TickCommand carries the operator commands accumulated since the last tick
// into one evaluation.
type TickCommand struct {
	Advance     bool   `json:"advance,omitempty"`
	Pause       bool   `json:"pause,omitempty"`
	Resume      bool   `json:"resume,omitempty"`
	Cancel      bool   `json:"cancel,omitempty"`
	Reason      string `json:"reason,omitempty"`
	RequestedBy string `json:"requested_by,omitempty"`
}

type TickResult struct {
	RolloutID  string     `json:"rollout_id"`
	State      string     `json:"state"`
	CurrentPct int        `json:"current_pct"`
	Done       bool       `json:"done"`
	WaitUntil  *time.Time `json:"wait_until,omitempty"`
}
