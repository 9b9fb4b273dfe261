package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	temporalsdkclient "go.temporal.io/sdk/client"
	"gorm.io/gorm"

	"github.com/openloom/connector-rollout/internal/config"
	rolloutrepo "github.com/openloom/connector-rollout/internal/data/repos/rollout"
	types "github.com/openloom/connector-rollout/internal/domain"
	"github.com/openloom/connector-rollout/internal/platform/dbctx"
	"github.com/openloom/connector-rollout/internal/platform/logger"
	"github.com/openloom/connector-rollout/internal/temporalx"
	"github.com/openloom/connector-rollout/internal/temporalx/rolloutrun"
)

type CreateRolloutInput struct {
	ActorDefinitionID         uuid.UUID
	ReleaseCandidateVersionID uuid.UUID
	InitialVersionID          *uuid.UUID
	InitialRolloutPct         int
	FinalTargetRolloutPct     int
	HasBreakingChanges        bool
	Strategy                  *types.RolloutStrategy
	MaxStepWaitTimeMins       int
	ExpiresAt                 *time.Time
	UpdatedBy                 *uuid.UUID
}

// WorkflowClient is the slice of the Temporal client the service needs.
type WorkflowClient interface {
	ExecuteWorkflow(ctx context.Context, options temporalsdkclient.StartWorkflowOptions, workflow interface{}, args ...interface{}) (temporalsdkclient.WorkflowRun, error)
	SignalWithStartWorkflow(ctx context.Context, workflowID string, signalName string, signalArg interface{}, options temporalsdkclient.StartWorkflowOptions, workflow interface{}, workflowArgs ...interface{}) (temporalsdkclient.WorkflowRun, error)
}

type RolloutService interface {
	// Create persists a new rollout and starts its workflow. At most one
	// active rollout may exist per actor definition.
	Create(dbc dbctx.Context, in CreateRolloutInput) (*types.ConnectorRollout, error)
	Get(dbc dbctx.Context, id uuid.UUID) (*types.ConnectorRollout, error)
	List(dbc dbctx.Context, actorDefinitionID *uuid.UUID, limit, offset int) ([]*types.ConnectorRollout, error)
	ListActive(dbc dbctx.Context) ([]*types.ConnectorRollout, error)

	Advance(ctx context.Context, id uuid.UUID, by *uuid.UUID) error
	Pause(ctx context.Context, id uuid.UUID, reason string, by *uuid.UUID) error
	Resume(ctx context.Context, id uuid.UUID, by *uuid.UUID) error
	Cancel(ctx context.Context, id uuid.UUID, reason string, by *uuid.UUID) error
}

type rolloutService struct {
	db       *gorm.DB
	log      *logger.Logger
	rollouts rolloutrepo.ConnectorRolloutRepo
	tc       WorkflowClient
	cfg      config.Config
}

func NewRolloutService(
	db *gorm.DB,
	baseLog *logger.Logger,
	rolloutRepo rolloutrepo.ConnectorRolloutRepo,
	tc WorkflowClient,
	cfg config.Config,
) RolloutService {
	return &rolloutService{
		db:       db,
		log:      baseLog.With("service", "RolloutService"),
		rollouts: rolloutRepo,
		tc:       tc,
		cfg:      cfg,
	}
}

func (s *rolloutService) Create(dbc dbctx.Context, in CreateRolloutInput) (*types.ConnectorRollout, error) {
	if in.ActorDefinitionID == uuid.Nil {
		return nil, fmt.Errorf("actor_definition_id required")
	}
	if in.ReleaseCandidateVersionID == uuid.Nil {
		return nil, fmt.Errorf("release_candidate_version_id required")
	}

	// Unset knobs fall back to configured defaults.
	if in.InitialRolloutPct == 0 {
		in.InitialRolloutPct = s.cfg.Rollout.InitialRolloutPct
	}
	if in.FinalTargetRolloutPct == 0 {
		in.FinalTargetRolloutPct = s.cfg.Rollout.FinalTargetRolloutPct
	}
	if in.MaxStepWaitTimeMins == 0 {
		in.MaxStepWaitTimeMins = s.cfg.Rollout.MaxStepWaitTimeMins
	}
	if in.ExpiresAt == nil {
		in.ExpiresAt = s.cfg.DefaultExpiry(time.Now().UTC())
	}

	if in.InitialRolloutPct < 1 || in.InitialRolloutPct > 100 {
		return nil, fmt.Errorf("initial_rollout_pct must be in [1,100]")
	}
	if in.FinalTargetRolloutPct < 1 || in.FinalTargetRolloutPct > 100 {
		return nil, fmt.Errorf("final_target_rollout_pct must be in [1,100]")
	}
	if in.InitialRolloutPct > in.FinalTargetRolloutPct {
		return nil, fmt.Errorf("initial_rollout_pct must not exceed final_target_rollout_pct")
	}
	if in.MaxStepWaitTimeMins < 0 {
		return nil, fmt.Errorf("max_step_wait_time_mins must not be negative")
	}
	if in.Strategy != nil {
		switch *in.Strategy {
		case types.RolloutStrategyManual, types.RolloutStrategyAutomated:
		default:
			return nil, fmt.Errorf("unknown rollout_strategy %q", *in.Strategy)
		}
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(time.Now().UTC()) {
		return nil, fmt.Errorf("expires_at must be in the future")
	}

	r := &types.ConnectorRollout{
		ActorDefinitionID:         in.ActorDefinitionID,
		ReleaseCandidateVersionID: in.ReleaseCandidateVersionID,
		InitialVersionID:          in.InitialVersionID,
		State:                     types.RolloutStateInitialized,
		InitialRolloutPct:         in.InitialRolloutPct,
		FinalTargetRolloutPct:     in.FinalTargetRolloutPct,
		HasBreakingChanges:        in.HasBreakingChanges,
		RolloutStrategy:           in.Strategy,
		MaxStepWaitTimeMins:       in.MaxStepWaitTimeMins,
		ExpiresAt:                 in.ExpiresAt,
		UpdatedBy:                 in.UpdatedBy,
	}

	created, err := s.rollouts.Create(s.repoCtx(dbc), r)
	if err != nil {
		return nil, err
	}

	if err := s.startWorkflow(dbc.Ctx, created.ID); err != nil {
		// The rollout row exists; the workflow can be started again by a
		// later create attempt or operator tooling. Surface the error.
		return created, fmt.Errorf("rollout created but workflow start failed: %w", err)
	}

	s.log.Info("Rollout created",
		"rollout_id", created.ID,
		"actor_definition_id", created.ActorDefinitionID,
		"release_candidate_version_id", created.ReleaseCandidateVersionID,
	)
	return created, nil
}

func (s *rolloutService) Get(dbc dbctx.Context, id uuid.UUID) (*types.ConnectorRollout, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("rollout id required")
	}
	return s.rollouts.GetByID(s.repoCtx(dbc), id)
}

func (s *rolloutService) List(dbc dbctx.Context, actorDefinitionID *uuid.UUID, limit, offset int) ([]*types.ConnectorRollout, error) {
	return s.rollouts.List(s.repoCtx(dbc), actorDefinitionID, limit, offset)
}

func (s *rolloutService) ListActive(dbc dbctx.Context) ([]*types.ConnectorRollout, error) {
	return s.rollouts.ListActive(s.repoCtx(dbc))
}

func (s *rolloutService) Advance(ctx context.Context, id uuid.UUID, by *uuid.UUID) error {
	return s.signal(ctx, id, rolloutrun.SignalAdvance, "", by)
}

func (s *rolloutService) Pause(ctx context.Context, id uuid.UUID, reason string, by *uuid.UUID) error {
	return s.signal(ctx, id, rolloutrun.SignalPause, reason, by)
}

func (s *rolloutService) Resume(ctx context.Context, id uuid.UUID, by *uuid.UUID) error {
	return s.signal(ctx, id, rolloutrun.SignalResume, "", by)
}

func (s *rolloutService) Cancel(ctx context.Context, id uuid.UUID, reason string, by *uuid.UUID) error {
	return s.signal(ctx, id, rolloutrun.SignalCancel, reason, by)
}

func (s *rolloutService) signal(ctx context.Context, id uuid.UUID, name, reason string, by *uuid.UUID) error {
	if id == uuid.Nil {
		return fmt.Errorf("rollout id required")
	}
	if s.tc == nil {
		return fmt.Errorf("temporal is not configured")
	}

	r, err := s.rollouts.GetByID(dbctx.Context{Ctx: ctx}, id)
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("rollout not found")
	}
	if r.State.Terminal() {
		return fmt.Errorf("rollout is already %s", r.State)
	}

	cmd := rolloutrun.Command{Reason: reason}
	if by != nil && *by != uuid.Nil {
		cmd.RequestedBy = by.String()
	}

	// Signal-with-start covers the gap where the row exists but the
	// workflow never started (Temporal was down at create). Without it a
	// live rollout has no reachable cancel and the actor definition stays
	// blocked by the one-active-rollout rule.
	opts := temporalsdkclient.StartWorkflowOptions{
		TaskQueue: temporalx.LoadConfig().TaskQueue,
	}
	if _, err := s.tc.SignalWithStartWorkflow(ctx, rolloutrun.WorkflowID(id), name, cmd, opts, rolloutrun.WorkflowName); err != nil {
		return fmt.Errorf("signal rollout workflow: %w", err)
	}
	return nil
}

func (s *rolloutService) startWorkflow(ctx context.Context, id uuid.UUID) error {
	if s.tc == nil {
		s.log.Warn("Temporal not configured; rollout will not be evaluated", "rollout_id", id)
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	opts := temporalsdkclient.StartWorkflowOptions{
		ID:        rolloutrun.WorkflowID(id),
		TaskQueue: temporalx.LoadConfig().TaskQueue,
	}
	_, err := s.tc.ExecuteWorkflow(ctx, opts, rolloutrun.WorkflowName)
	if err != nil {
		return err
	}
	return nil
}

func (s *rolloutService) repoCtx(dbc dbctx.Context) dbctx.Context {
	if dbc.Tx == nil {
		dbc.Tx = s.db
	}
	if dbc.Ctx == nil {
		dbc.Ctx = context.Background()
	}
	return dbc
}
