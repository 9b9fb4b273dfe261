package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// RolloutState is the lifecycle state of a ConnectorRollout.
type RolloutState string

const (
	RolloutStateInitialized       RolloutState = "initialized"
	RolloutStateInProgress        RolloutState = "in_progress"
	RolloutStatePaused            RolloutState = "paused"
	RolloutStateFinalizing        RolloutState = "finalizing"
	RolloutStateFailedRollingBack RolloutState = "failed_rolling_back"
	RolloutStateSucceeded         RolloutState = "succeeded"
	RolloutStateFailed            RolloutState = "failed"
	RolloutStateCanceled          RolloutState = "canceled"
)

// Terminal reports whether no further automatic transition occurs.
func (s RolloutState) Terminal() bool {
	switch s {
	case RolloutStateSucceeded, RolloutStateFailed, RolloutStateCanceled:
		return true
	default:
		return false
	}
}

func TerminalRolloutStates() []string {
	return []string{
		string(RolloutStateSucceeded),
		string(RolloutStateFailed),
		string(RolloutStateCanceled),
	}
}

type RolloutStrategy string

const (
	RolloutStrategyManual    RolloutStrategy = "manual"
	RolloutStrategyAutomated RolloutStrategy = "automated"
)

// ConnectorRollout is one in-flight canary deployment of a release-candidate
// connector version for a single actor definition.
type ConnectorRollout struct {
	ID                        uuid.UUID        `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ActorDefinitionID         uuid.UUID        `gorm:"type:uuid;column:actor_definition_id;not null;index" json:"actor_definition_id"`
	ReleaseCandidateVersionID uuid.UUID        `gorm:"type:uuid;column:release_candidate_version_id;not null" json:"release_candidate_version_id"`
	InitialVersionID          *uuid.UUID       `gorm:"type:uuid;column:initial_version_id" json:"initial_version_id,omitempty"`
	State                     RolloutState     `gorm:"column:state;not null;index" json:"state"`
	InitialRolloutPct         int              `gorm:"column:initial_rollout_pct;not null" json:"initial_rollout_pct"`
	CurrentTargetRolloutPct   *int             `gorm:"column:current_target_rollout_pct" json:"current_target_rollout_pct,omitempty"`
	FinalTargetRolloutPct     int              `gorm:"column:final_target_rollout_pct;not null" json:"final_target_rollout_pct"`
	HasBreakingChanges        bool             `gorm:"column:has_breaking_changes;not null;default:false" json:"has_breaking_changes"`
	RolloutStrategy           *RolloutStrategy `gorm:"column:rollout_strategy" json:"rollout_strategy,omitempty"`
	MaxStepWaitTimeMins       int              `gorm:"column:max_step_wait_time_mins;not null;default:0" json:"max_step_wait_time_mins"`
	UpdatedBy                 *uuid.UUID       `gorm:"type:uuid;column:updated_by" json:"updated_by,omitempty"`
	CurrentStepStartedAt      *time.Time       `gorm:"column:current_step_started_at" json:"current_step_started_at,omitempty"`
	CompletedAt               *time.Time       `gorm:"column:completed_at" json:"completed_at,omitempty"`
	ExpiresAt                 *time.Time       `gorm:"column:expires_at" json:"expires_at,omitempty"`
	ErrorMsg                  *string          `gorm:"column:error_msg" json:"error_msg,omitempty"`
	FailedReason              *string          `gorm:"column:failed_reason" json:"failed_reason,omitempty"`
	PausedReason              *string          `gorm:"column:paused_reason" json:"paused_reason,omitempty"`
	Tags                      datatypes.JSON   `gorm:"column:tags;type:jsonb" json:"tags,omitempty"`
	CreatedAt                 time.Time        `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt                 time.Time        `gorm:"not null;default:now()" json:"updated_at"`
}

func (ConnectorRollout) TableName() string { return "connector_rollout" }

// Strategy returns the configured strategy, defaulting to automated.
func (r *ConnectorRollout) Strategy() RolloutStrategy {
	if r.RolloutStrategy == nil || *r.RolloutStrategy == "" {
		return RolloutStrategyAutomated
	}
	return *r.RolloutStrategy
}

// CurrentPct returns the current target percentage, 0 before the rollout starts.
func (r *ConnectorRollout) CurrentPct() int {
	if r.CurrentTargetRolloutPct == nil {
		return 0
	}
	return *r.CurrentTargetRolloutPct
}

// NextTargetPct computes the next percentage band: the fixed step size
// (initial_rollout_pct) above the current target, truncated at the final
// target so the rollout never overshoots.
func (r *ConnectorRollout) NextTargetPct() int {
	next := r.CurrentPct() + r.InitialRolloutPct
	if next > r.FinalTargetRolloutPct {
		return r.FinalTargetRolloutPct
	}
	return next
}

// AtFinalTarget reports whether the rollout has reached its final band.
func (r *ConnectorRollout) AtFinalTarget() bool {
	return r.CurrentTargetRolloutPct != nil && *r.CurrentTargetRolloutPct >= r.FinalTargetRolloutPct
}

// Expired reports whether the wall-clock expiry has passed.
func (r *ConnectorRollout) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// StepElapsed returns how long the current step has been running.
func (r *ConnectorRollout) StepElapsed(now time.Time) time.Duration {
	if r.CurrentStepStartedAt == nil {
		return 0
	}
	d := now.Sub(*r.CurrentStepStartedAt)
	if d < 0 {
		return 0
	}
	return d
}

// StepTimedOut reports whether the current step has exceeded the
// max_step_wait_time_mins budget. A zero budget never times out.
func (r *ConnectorRollout) StepTimedOut(now time.Time) bool {
	if r.MaxStepWaitTimeMins <= 0 || r.CurrentStepStartedAt == nil {
		return false
	}
	return r.StepElapsed(now) > time.Duration(r.MaxStepWaitTimeMins)*time.Minute
}
