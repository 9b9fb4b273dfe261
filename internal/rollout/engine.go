package rollout

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openloom/connector-rollout/internal/clients/workload"
	rolloutrepo "github.com/openloom/connector-rollout/internal/data/repos/rollout"
	types "github.com/openloom/connector-rollout/internal/domain"
	"github.com/openloom/connector-rollout/internal/platform/dbctx"
	"github.com/openloom/connector-rollout/internal/platform/logger"
)

const failureSource = "connector_rollout"

type Config struct {
	// HealthWindow is how long a step must run without an unhealthy signal
	// before the engine will advance past it or finalize the rollout.
	HealthWindow time.Duration
	// TickInterval is the default wait between evaluations.
	TickInterval time.Duration
	// LockTTL bounds how long an advance lock may be held.
	LockTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.HealthWindow <= 0 {
		c.HealthWindow = 10 * time.Minute
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 2 * time.Minute
	}
	return c
}

// TickRequest carries one evaluation request plus any operator commands that
// arrived since the last tick.
type TickRequest struct {
	RolloutID        uuid.UUID
	AdvanceRequested bool
	PauseRequested   bool
	ResumeRequested  bool
	CancelRequested  bool
	Reason           string
	RequestedBy      *uuid.UUID
}

type TickOutcome struct {
	State      types.RolloutState `json:"state"`
	CurrentPct int                `json:"current_pct"`
	Done       bool               `json:"done"`
	WaitUntil  *time.Time         `json:"wait_until,omitempty"`
}

// Engine is the connector rollout state machine. Evaluate performs exactly
// one evaluation step for one rollout; an external scheduler calls it
// repeatedly until the rollout is terminal.
type Engine struct {
	log       *logger.Logger
	repo      rolloutrepo.ConnectorRolloutRepo
	workloads workload.Client
	health    HealthChecker
	oracle    StatusOracle
	locks     AdvanceLocker
	notify    Notifier
	cfg       Config

	now func() time.Time
}

func NewEngine(
	log *logger.Logger,
	repo rolloutrepo.ConnectorRolloutRepo,
	workloads workload.Client,
	health HealthChecker,
	oracle StatusOracle,
	locks AdvanceLocker,
	notify Notifier,
	cfg Config,
) (*Engine, error) {
	if log == nil || repo == nil || workloads == nil || health == nil {
		return nil, fmt.Errorf("rollout engine missing deps")
	}
	if oracle == nil {
		oracle = NewStatusOracle(workloads)
	}
	if locks == nil {
		locks = NewLocalAdvanceLocker()
	}
	if notify == nil {
		notify = NewNopNotifier()
	}
	return &Engine{
		log:       log.With("service", "RolloutEngine"),
		repo:      repo,
		workloads: workloads,
		health:    health,
		oracle:    oracle,
		locks:     locks,
		notify:    notify,
		cfg:       cfg.withDefaults(),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func (e *Engine) dbc(ctx context.Context) dbctx.Context {
	return dbctx.Context{Ctx: ctx}
}

// Evaluate runs one evaluation step. Steps for the same actor definition are
// serialized through the advance lock; when the lock is busy the tick is
// held and retried on the next scheduled invocation.
func (e *Engine) Evaluate(ctx context.Context, req TickRequest) (TickOutcome, error) {
	r, err := e.repo.GetByID(e.dbc(ctx), req.RolloutID)
	if err != nil {
		return TickOutcome{}, err
	}
	if r == nil {
		return TickOutcome{}, fmt.Errorf("rollout %s not found", req.RolloutID)
	}
	if r.State.Terminal() {
		return e.outcome(r, true, nil), nil
	}

	release, ok, err := e.locks.Acquire(ctx, r.ActorDefinitionID, e.cfg.LockTTL)
	if err != nil {
		return TickOutcome{}, err
	}
	if !ok {
		e.log.Debug("Advance lock busy; holding tick", "rollout_id", r.ID, "actor_definition_id", r.ActorDefinitionID)
		return e.holdOutcome(r, e.cfg.TickInterval), nil
	}
	defer release()

	// Reload under the lock so the decision is made on current state.
	r, err = e.repo.GetByID(e.dbc(ctx), req.RolloutID)
	if err != nil {
		return TickOutcome{}, err
	}
	if r == nil {
		return TickOutcome{}, fmt.Errorf("rollout %s not found", req.RolloutID)
	}
	if r.State.Terminal() {
		return e.outcome(r, true, nil), nil
	}

	now := e.now()

	// Operator commands short-circuit the regular evaluation.
	if req.CancelRequested {
		return e.cancel(ctx, r, req)
	}
	if req.PauseRequested {
		return e.pause(ctx, r, req)
	}
	if req.ResumeRequested {
		return e.resume(ctx, r, req, now)
	}

	// Wall-clock expiry applies to every non-terminal state.
	if r.Expired(now) {
		return e.beginRollback(ctx, r, "rollout expired before reaching the final target")
	}

	switch r.State {
	case types.RolloutStateInitialized:
		return e.start(ctx, r, req, now)
	case types.RolloutStatePaused:
		return e.holdOutcome(r, e.cfg.TickInterval), nil
	case types.RolloutStateInProgress:
		return e.evaluateInProgress(ctx, r, req, now)
	case types.RolloutStateFinalizing:
		return e.completeFinalize(ctx, r)
	case types.RolloutStateFailedRollingBack:
		return e.completeRollback(ctx, r)
	default:
		return TickOutcome{}, fmt.Errorf("rollout %s in unexpected state %s", r.ID, r.State)
	}
}

func (e *Engine) start(ctx context.Context, r *types.ConnectorRollout, req TickRequest, now time.Time) (TickOutcome, error) {
	updates := map[string]interface{}{
		"state":                      string(types.RolloutStateInProgress),
		"current_target_rollout_pct": r.InitialRolloutPct,
		"current_step_started_at":    now,
	}
	if req.RequestedBy != nil {
		updates["updated_by"] = *req.RequestedBy
	}
	ok, err := e.repo.UpdateFieldsUnlessState(e.dbc(ctx), r.ID, types.TerminalRolloutStates(), updates)
	if err != nil {
		return TickOutcome{}, err
	}
	if !ok {
		// Canceled between the reload and the write.
		return e.reloadOutcome(ctx, r.ID)
	}

	pct := r.InitialRolloutPct
	r.State = types.RolloutStateInProgress
	r.CurrentTargetRolloutPct = &pct
	r.CurrentStepStartedAt = &now

	e.log.Info("Rollout started",
		"rollout_id", r.ID,
		"actor_definition_id", r.ActorDefinitionID,
		"initial_pct", r.InitialRolloutPct,
		"final_pct", r.FinalTargetRolloutPct,
	)
	e.notify.RolloutStarted(r)
	return e.holdOutcome(r, e.cfg.TickInterval), nil
}

func (e *Engine) evaluateInProgress(ctx context.Context, r *types.ConnectorRollout, req TickRequest, now time.Time) (TickOutcome, error) {
	// Step budget first: sustained failure to reach a healthy status past
	// max_step_wait_time_mins is terminal, regardless of why.
	if r.StepTimedOut(now) {
		return e.beginRollback(ctx, r,
			fmt.Sprintf("step at %d%% exceeded max_step_wait_time_mins=%d", r.CurrentPct(), r.MaxStepWaitTimeMins))
	}

	signal, err := e.health.Check(ctx, r)
	if err != nil {
		if workload.IsConnectivity(err) {
			// Logged and retried on the next tick; only sustained failure
			// past the step budget becomes terminal.
			e.log.Warn("Health check unavailable; retrying next tick", "rollout_id", r.ID, "error", err)
			return e.holdOutcome(r, e.cfg.TickInterval), nil
		}
		return TickOutcome{}, err
	}

	if signal == HealthUnhealthy {
		return e.beginRollback(ctx, r,
			fmt.Sprintf("canary reported unhealthy at %d%%", r.CurrentPct()))
	}

	stepElapsed := r.StepElapsed(now)

	if r.AtFinalTarget() {
		// An explicit advance at the final band is a no-op on the
		// percentage; the rollout moves toward SUCCEEDED instead.
		if stepElapsed < e.cfg.HealthWindow {
			return e.holdOutcome(r, e.cfg.HealthWindow-stepElapsed), nil
		}
		return e.beginFinalize(ctx, r)
	}

	switch r.Strategy() {
	case types.RolloutStrategyManual:
		if !req.AdvanceRequested {
			return e.holdOutcome(r, e.cfg.TickInterval), nil
		}
	default:
		if signal != HealthHealthy || stepElapsed < e.cfg.HealthWindow {
			wait := e.cfg.TickInterval
			if signal == HealthHealthy && stepElapsed < e.cfg.HealthWindow {
				wait = e.cfg.HealthWindow - stepElapsed
			}
			return e.holdOutcome(r, wait), nil
		}
	}

	return e.advance(ctx, r, req, now)
}

func (e *Engine) advance(ctx context.Context, r *types.ConnectorRollout, req TickRequest, now time.Time) (TickOutcome, error) {
	if r.AtFinalTarget() {
		// Never advance past the final target; record the defect rather
		// than clamping silently.
		msg := fmt.Sprintf("advance requested past final_target_rollout_pct=%d", r.FinalTargetRolloutPct)
		_ = e.repo.UpdateFields(e.dbc(ctx), r.ID, map[string]interface{}{"error_msg": msg})
		return TickOutcome{}, fmt.Errorf("rollout %s: %s", r.ID, msg)
	}

	fromPct := r.CurrentPct()
	toPct := r.NextTargetPct()

	updates := map[string]interface{}{
		"current_target_rollout_pct": toPct,
		"current_step_started_at":    now,
	}
	if req.RequestedBy != nil {
		updates["updated_by"] = *req.RequestedBy
	}
	disallowed := append(types.TerminalRolloutStates(), string(types.RolloutStatePaused))
	ok, err := e.repo.UpdateFieldsUnlessState(e.dbc(ctx), r.ID, disallowed, updates)
	if err != nil {
		return TickOutcome{}, err
	}
	if !ok {
		// Canceled or paused concurrently; the guarded write dropped the
		// advance on the floor, which is exactly the short-circuit we want.
		return e.reloadOutcome(ctx, r.ID)
	}

	r.CurrentTargetRolloutPct = &toPct
	r.CurrentStepStartedAt = &now

	e.log.Info("Rollout advanced",
		"rollout_id", r.ID,
		"actor_definition_id", r.ActorDefinitionID,
		"from_pct", fromPct,
		"to_pct", toPct,
	)
	e.notify.RolloutAdvanced(r, fromPct, toPct)
	return e.holdOutcome(r, e.cfg.TickInterval), nil
}

func (e *Engine) beginFinalize(ctx context.Context, r *types.ConnectorRollout) (TickOutcome, error) {
	ok, err := e.repo.UpdateFieldsUnlessState(e.dbc(ctx), r.ID, types.TerminalRolloutStates(), map[string]interface{}{
		"state": string(types.RolloutStateFinalizing),
	})
	if err != nil {
		return TickOutcome{}, err
	}
	if !ok {
		return e.reloadOutcome(ctx, r.ID)
	}
	r.State = types.RolloutStateFinalizing
	e.log.Info("Rollout finalizing", "rollout_id", r.ID, "final_pct", r.FinalTargetRolloutPct)
	return e.completeFinalize(ctx, r)
}

func (e *Engine) completeFinalize(ctx context.Context, r *types.ConnectorRollout) (TickOutcome, error) {
	rcVersion := r.ReleaseCandidateVersionID
	active, err := e.workloads.ListForActor(ctx, r.ActorDefinitionID, &rcVersion, false)
	if err != nil {
		if workload.IsConnectivity(err) {
			e.log.Warn("Finalize check unavailable; retrying next tick", "rollout_id", r.ID, "error", err)
			return e.holdOutcome(r, e.cfg.TickInterval), nil
		}
		return TickOutcome{}, err
	}
	if len(active) > 0 {
		// Outstanding workloads drain before the release candidate is pinned.
		return e.holdOutcome(r, e.cfg.TickInterval), nil
	}

	ok, err := e.repo.Finalize(e.dbc(ctx), r.ID, types.RolloutStateSucceeded, nil)
	if err != nil {
		return TickOutcome{}, err
	}
	if !ok {
		return e.reloadOutcome(ctx, r.ID)
	}
	r.State = types.RolloutStateSucceeded

	e.log.Info("Rollout succeeded", "rollout_id", r.ID, "actor_definition_id", r.ActorDefinitionID)
	e.notify.RolloutSucceeded(r)
	return e.outcome(r, true, nil), nil
}

func (e *Engine) beginRollback(ctx context.Context, r *types.ConnectorRollout, reason string) (TickOutcome, error) {
	ok, err := e.repo.UpdateFieldsUnlessState(e.dbc(ctx), r.ID, types.TerminalRolloutStates(), map[string]interface{}{
		"state":         string(types.RolloutStateFailedRollingBack),
		"failed_reason": reason,
		"error_msg":     reason,
	})
	if err != nil {
		return TickOutcome{}, err
	}
	if !ok {
		return e.reloadOutcome(ctx, r.ID)
	}
	r.State = types.RolloutStateFailedRollingBack
	r.FailedReason = &reason

	e.log.Warn("Rollout rolling back",
		"rollout_id", r.ID,
		"actor_definition_id", r.ActorDefinitionID,
		"reason", reason,
	)
	return e.completeRollback(ctx, r)
}

func (e *Engine) completeRollback(ctx context.Context, r *types.ConnectorRollout) (TickOutcome, error) {
	reason := ""
	if r.FailedReason != nil {
		reason = *r.FailedReason
	}

	// Report failure against any workloads still running on the release
	// candidate. ReportFailure is idempotent, so retried ticks are safe.
	rcVersion := r.ReleaseCandidateVersionID
	active, err := e.workloads.ListForActor(ctx, r.ActorDefinitionID, &rcVersion, false)
	if err != nil {
		if workload.IsConnectivity(err) {
			e.log.Warn("Rollback listing unavailable; retrying next tick", "rollout_id", r.ID, "error", err)
			return e.holdOutcome(r, e.cfg.TickInterval), nil
		}
		return TickOutcome{}, err
	}
	for _, w := range active {
		// The listing can lag; the oracle is authoritative on terminality.
		terminal, err := e.oracle.IsTerminal(ctx, w.ID)
		if err != nil {
			if workload.IsConnectivity(err) {
				e.log.Warn("Status check unavailable; retrying next tick", "rollout_id", r.ID, "workload_id", w.ID, "error", err)
				return e.holdOutcome(r, e.cfg.TickInterval), nil
			}
			return TickOutcome{}, err
		}
		if terminal {
			continue
		}
		if err := e.workloads.ReportFailure(ctx, w.ID, failureSource, reason); err != nil {
			if workload.IsConnectivity(err) {
				e.log.Warn("Failure report unavailable; retrying next tick", "rollout_id", r.ID, "workload_id", w.ID, "error", err)
				return e.holdOutcome(r, e.cfg.TickInterval), nil
			}
			return TickOutcome{}, err
		}
	}

	ok, err := e.repo.Finalize(e.dbc(ctx), r.ID, types.RolloutStateFailed, nil)
	if err != nil {
		return TickOutcome{}, err
	}
	if !ok {
		return e.reloadOutcome(ctx, r.ID)
	}
	r.State = types.RolloutStateFailed

	e.log.Warn("Rollout failed", "rollout_id", r.ID, "reason", reason)
	e.notify.RolloutFailed(r, reason)
	return e.outcome(r, true, nil), nil
}

func (e *Engine) cancel(ctx context.Context, r *types.ConnectorRollout, req TickRequest) (TickOutcome, error) {
	updates := map[string]interface{}{}
	if reason := req.Reason; reason != "" {
		updates["error_msg"] = reason
	}
	if req.RequestedBy != nil {
		updates["updated_by"] = *req.RequestedBy
	}
	ok, err := e.repo.Finalize(e.dbc(ctx), r.ID, types.RolloutStateCanceled, updates)
	if err != nil {
		return TickOutcome{}, err
	}
	if !ok {
		return e.reloadOutcome(ctx, r.ID)
	}
	r.State = types.RolloutStateCanceled

	e.log.Info("Rollout canceled", "rollout_id", r.ID, "reason", req.Reason)
	e.notify.RolloutCanceled(r)
	return e.outcome(r, true, nil), nil
}

func (e *Engine) pause(ctx context.Context, r *types.ConnectorRollout, req TickRequest) (TickOutcome, error) {
	if r.State != types.RolloutStateInProgress && r.State != types.RolloutStateInitialized {
		return e.holdOutcome(r, e.cfg.TickInterval), nil
	}
	updates := map[string]interface{}{
		"state":         string(types.RolloutStatePaused),
		"paused_reason": req.Reason,
	}
	if req.RequestedBy != nil {
		updates["updated_by"] = *req.RequestedBy
	}
	ok, err := e.repo.UpdateFieldsUnlessState(e.dbc(ctx), r.ID, types.TerminalRolloutStates(), updates)
	if err != nil {
		return TickOutcome{}, err
	}
	if !ok {
		return e.reloadOutcome(ctx, r.ID)
	}
	r.State = types.RolloutStatePaused

	e.log.Info("Rollout paused", "rollout_id", r.ID, "reason", req.Reason)
	e.notify.RolloutPaused(r, req.Reason)
	return e.holdOutcome(r, e.cfg.TickInterval), nil
}

func (e *Engine) resume(ctx context.Context, r *types.ConnectorRollout, req TickRequest, now time.Time) (TickOutcome, error) {
	if r.State != types.RolloutStatePaused {
		return e.holdOutcome(r, e.cfg.TickInterval), nil
	}
	// The step timer restarts on resume; time spent paused does not count
	// against max_step_wait_time_mins.
	updates := map[string]interface{}{
		"state":                   string(types.RolloutStateInProgress),
		"paused_reason":           nil,
		"current_step_started_at": now,
	}
	if req.RequestedBy != nil {
		updates["updated_by"] = *req.RequestedBy
	}
	ok, err := e.repo.UpdateFieldsUnlessState(e.dbc(ctx), r.ID, types.TerminalRolloutStates(), updates)
	if err != nil {
		return TickOutcome{}, err
	}
	if !ok {
		return e.reloadOutcome(ctx, r.ID)
	}
	r.State = types.RolloutStateInProgress
	r.CurrentStepStartedAt = &now

	e.log.Info("Rollout resumed", "rollout_id", r.ID)
	e.notify.RolloutResumed(r)
	return e.holdOutcome(r, e.cfg.TickInterval), nil
}

func (e *Engine) reloadOutcome(ctx context.Context, id uuid.UUID) (TickOutcome, error) {
	r, err := e.repo.GetByID(e.dbc(ctx), id)
	if err != nil {
		return TickOutcome{}, err
	}
	if r == nil {
		return TickOutcome{}, fmt.Errorf("rollout %s not found", id)
	}
	if r.State.Terminal() {
		return e.outcome(r, true, nil), nil
	}
	return e.holdOutcome(r, e.cfg.TickInterval), nil
}

func (e *Engine) holdOutcome(r *types.ConnectorRollout, wait time.Duration) TickOutcome {
	if wait <= 0 {
		wait = e.cfg.TickInterval
	}
	until := e.now().Add(wait)
	return e.outcome(r, false, &until)
}

func (e *Engine) outcome(r *types.ConnectorRollout, done bool, waitUntil *time.Time) TickOutcome {
	return TickOutcome{
		State:      r.State,
		CurrentPct: r.CurrentPct(),
		Done:       done,
		WaitUntil:  waitUntil,
	}
}
