package rollout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/openloom/connector-rollout/internal/clients/workload"
	types "github.com/openloom/connector-rollout/internal/domain"
	"github.com/openloom/connector-rollout/internal/platform/dbctx"
	"github.com/openloom/connector-rollout/internal/platform/logger"
)

type memRepo struct {
	mu       sync.Mutex
	rollouts map[uuid.UUID]*types.ConnectorRollout
}

func newMemRepo() *memRepo {
	return &memRepo{rollouts: map[uuid.UUID]*types.ConnectorRollout{}}
}

func (m *memRepo) put(r *types.ConnectorRollout) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rollouts[r.ID] = &cp
}

func (m *memRepo) Create(_ dbctx.Context, r *types.ConnectorRollout) (*types.ConnectorRollout, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	m.put(r)
	return r, nil
}

func (m *memRepo) GetByID(_ dbctx.Context, id uuid.UUID) (*types.ConnectorRollout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rollouts[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *memRepo) GetActiveByActorDefinition(_ dbctx.Context, actorDefinitionID uuid.UUID) (*types.ConnectorRollout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rollouts {
		if r.ActorDefinitionID == actorDefinitionID && !r.State.Terminal() {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memRepo) ListActive(_ dbctx.Context) ([]*types.ConnectorRollout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.ConnectorRollout
	for _, r := range m.rollouts {
		if !r.State.Terminal() {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memRepo) List(_ dbctx.Context, _ *uuid.UUID, _, _ int) ([]*types.ConnectorRollout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.ConnectorRollout
	for _, r := range m.rollouts {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	_, err := m.UpdateFieldsUnlessState(dbc, id, nil, updates)
	return err
}

func (m *memRepo) UpdateFieldsUnlessState(_ dbctx.Context, id uuid.UUID, disallowedStates []string, updates map[string]interface{}) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rollouts[id]
	if !ok {
		return false, nil
	}
	for _, s := range disallowedStates {
		if string(r.State) == s {
			return false, nil
		}
	}
	applyUpdates(r, updates)
	return true, nil
}

func (m *memRepo) Finalize(dbc dbctx.Context, id uuid.UUID, state types.RolloutState, updates map[string]interface{}) (bool, error) {
	if !state.Terminal() {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	now := time.Now().UTC()
	updates["state"] = string(state)
	updates["completed_at"] = now
	return m.UpdateFieldsUnlessState(dbc, id, types.TerminalRolloutStates(), updates)
}

func applyUpdates(r *types.ConnectorRollout, updates map[string]interface{}) {
	for k, v := range updates {
		switch k {
		case "state":
			r.State = types.RolloutState(v.(string))
		case "current_target_rollout_pct":
			pct := v.(int)
			r.CurrentTargetRolloutPct = &pct
		case "current_step_started_at":
			ts := v.(time.Time)
			r.CurrentStepStartedAt = &ts
		case "completed_at":
			ts := v.(time.Time)
			r.CompletedAt = &ts
		case "expires_at":
			ts := v.(time.Time)
			r.ExpiresAt = &ts
		case "failed_reason":
			r.FailedReason = strOrNil(v)
		case "error_msg":
			r.ErrorMsg = strOrNil(v)
		case "paused_reason":
			r.PausedReason = strOrNil(v)
		case "updated_by":
			id := v.(uuid.UUID)
			r.UpdatedBy = &id
		case "updated_at":
			r.UpdatedAt = v.(time.Time)
		}
	}
}

func strOrNil(v interface{}) *string {
	if v == nil {
		return nil
	}
	s := v.(string)
	return &s
}

type memWorkloads struct {
	mu       sync.Mutex
	statuses map[string]types.WorkloadStatus
	failed   []string
	listErr  error
}

func newMemWorkloads() *memWorkloads {
	return &memWorkloads{statuses: map[string]types.WorkloadStatus{}}
}

func (m *memWorkloads) GetStatus(_ context.Context, workloadID string) (types.WorkloadStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[workloadID]
	if !ok {
		return "", &workload.ConnectivityError{Op: "get status", Err: workload.ErrMalformedResponse}
	}
	return st, nil
}

func (m *memWorkloads) ReportFailure(_ context.Context, workloadID, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, workloadID)
	m.statuses[workloadID] = types.WorkloadStatusFailure
	return nil
}

func (m *memWorkloads) CreateWorkload(_ context.Context, _ workload.CreateRequest) error {
	return nil
}

func (m *memWorkloads) ListForActor(_ context.Context, _ uuid.UUID, _ *uuid.UUID, includeTerminal bool) ([]workload.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []workload.Summary
	for id, st := range m.statuses {
		if !includeTerminal && st.Terminal() {
			continue
		}
		out = append(out, workload.Summary{ID: id, Status: st})
	}
	return out, nil
}

type stubHealth struct {
	mu     sync.Mutex
	signal HealthSignal
	err    error
}

func (s *stubHealth) Check(context.Context, *types.ConnectorRollout) (HealthSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signal, s.err
}

func (s *stubHealth) set(signal HealthSignal, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signal, s.err = signal, err
}

type engineFixture struct {
	engine  *Engine
	repo    *memRepo
	wl      *memWorkloads
	health  *stubHealth
	locks   AdvanceLocker
	clock   time.Time
	rollout *types.ConnectorRollout
}

func newFixture(t *testing.T, mutate func(*types.ConnectorRollout)) *engineFixture {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}

	repo := newMemRepo()
	wl := newMemWorkloads()
	health := &stubHealth{signal: HealthHealthy}
	locks := NewLocalAdvanceLocker()

	f := &engineFixture{
		repo:   repo,
		wl:     wl,
		health: health,
		locks:  locks,
		clock:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	eng, err := NewEngine(log, repo, wl, health, nil, locks, nil, Config{
		HealthWindow: 5 * time.Minute,
		TickInterval: 30 * time.Second,
		LockTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	eng.now = func() time.Time { return f.clock }
	f.engine = eng

	r := &types.ConnectorRollout{
		ID:                        uuid.New(),
		ActorDefinitionID:         uuid.New(),
		ReleaseCandidateVersionID: uuid.New(),
		State:                     types.RolloutStateInitialized,
		InitialRolloutPct:         10,
		FinalTargetRolloutPct:     100,
		MaxStepWaitTimeMins:       60,
		CreatedAt:                 f.clock,
		UpdatedAt:                 f.clock,
	}
	if mutate != nil {
		mutate(r)
	}
	repo.put(r)
	f.rollout = r
	return f
}

func (f *engineFixture) tick(t *testing.T, req TickRequest) TickOutcome {
	t.Helper()
	req.RolloutID = f.rollout.ID
	out, err := f.engine.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	return out
}

func (f *engineFixture) current(t *testing.T) *types.ConnectorRollout {
	t.Helper()
	r, err := f.repo.GetByID(dbctx.Context{Ctx: context.Background()}, f.rollout.ID)
	if err != nil || r == nil {
		t.Fatalf("reload rollout: %v", err)
	}
	return r
}

func TestEvaluateStartsRollout(t *testing.T) {
	f := newFixture(t, nil)

	out := f.tick(t, TickRequest{})
	if out.Done {
		t.Fatalf("start tick reported done")
	}
	if out.State != types.RolloutStateInProgress {
		t.Fatalf("state = %s, want in_progress", out.State)
	}
	if out.CurrentPct != 10 {
		t.Fatalf("pct = %d, want 10", out.CurrentPct)
	}

	r := f.current(t)
	if r.CurrentStepStartedAt == nil || !r.CurrentStepStartedAt.Equal(f.clock) {
		t.Fatalf("current_step_started_at = %v, want %v", r.CurrentStepStartedAt, f.clock)
	}
	if r.CompletedAt != nil {
		t.Fatalf("completed_at set on non-terminal rollout")
	}
}

func TestAutomatedRolloutRunsToSucceeded(t *testing.T) {
	f := newFixture(t, nil)

	var pcts []int
	for i := 0; i < 30; i++ {
		out := f.tick(t, TickRequest{})
		pcts = append(pcts, out.CurrentPct)
		if out.Done {
			break
		}
		f.clock = f.clock.Add(5 * time.Minute)
	}

	var bands []int
	for _, p := range pcts {
		if len(bands) == 0 || bands[len(bands)-1] != p {
			bands = append(bands, p)
		}
	}
	want := []int{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	if len(bands) != len(want) {
		t.Fatalf("bands = %v, want %v", bands, want)
	}
	for i, b := range bands {
		if b != want[i] {
			t.Fatalf("bands = %v, want %v", bands, want)
		}
	}

	r := f.current(t)
	if r.State != types.RolloutStateSucceeded {
		t.Fatalf("state = %s, want succeeded", r.State)
	}
	if r.CompletedAt == nil {
		t.Fatalf("completed_at not set on terminal rollout")
	}
}

func TestAdvanceTruncatesAtFinalTarget(t *testing.T) {
	f := newFixture(t, func(r *types.ConnectorRollout) {
		r.InitialRolloutPct = 40
		r.FinalTargetRolloutPct = 90
	})

	var pcts []int
	for i := 0; i < 10; i++ {
		out := f.tick(t, TickRequest{})
		pcts = append(pcts, out.CurrentPct)
		if out.Done {
			break
		}
		f.clock = f.clock.Add(5 * time.Minute)
	}

	want := []int{40, 80, 90}
	seen := map[int]bool{}
	for _, p := range pcts {
		seen[p] = true
		if p > 90 {
			t.Fatalf("overshot final target: %v", pcts)
		}
	}
	for _, w := range want {
		if !seen[w] {
			t.Fatalf("band %d never reached: %v", w, pcts)
		}
	}
	if r := f.current(t); r.State != types.RolloutStateSucceeded {
		t.Fatalf("state = %s, want succeeded", r.State)
	}
}

func TestUnhealthyTriggersRollback(t *testing.T) {
	f := newFixture(t, func(r *types.ConnectorRollout) {
		r.State = types.RolloutStateInProgress
		pct := 30
		r.CurrentTargetRolloutPct = &pct
		started := time.Date(2025, 6, 1, 11, 58, 0, 0, time.UTC)
		r.CurrentStepStartedAt = &started
	})
	f.health.set(HealthUnhealthy, nil)
	f.wl.statuses["wl-running"] = types.WorkloadStatusRunning
	f.wl.statuses["wl-done"] = types.WorkloadStatusSuccess

	out := f.tick(t, TickRequest{})
	if !out.Done {
		t.Fatalf("rollback tick not done: %+v", out)
	}
	if out.State != types.RolloutStateFailed {
		t.Fatalf("state = %s, want failed", out.State)
	}

	r := f.current(t)
	if r.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}
	if r.FailedReason == nil || *r.FailedReason == "" {
		t.Fatalf("failed_reason not set")
	}
	if len(f.wl.failed) != 1 || f.wl.failed[0] != "wl-running" {
		t.Fatalf("failure reports = %v, want only wl-running", f.wl.failed)
	}
}

func TestStepTimeoutFailsRollout(t *testing.T) {
	f := newFixture(t, func(r *types.ConnectorRollout) {
		r.State = types.RolloutStateInProgress
		r.MaxStepWaitTimeMins = 5
		pct := 10
		r.CurrentTargetRolloutPct = &pct
		started := time.Date(2025, 6, 1, 11, 50, 0, 0, time.UTC)
		r.CurrentStepStartedAt = &started
	})
	f.health.set(HealthUnknown, nil)

	out := f.tick(t, TickRequest{})
	if out.State != types.RolloutStateFailed || !out.Done {
		t.Fatalf("outcome = %+v, want terminal failed", out)
	}
	r := f.current(t)
	if r.FailedReason == nil {
		t.Fatalf("failed_reason not set")
	}
}

func TestManualStrategyWaitsForOperator(t *testing.T) {
	manual := types.RolloutStrategyManual
	f := newFixture(t, func(r *types.ConnectorRollout) {
		r.RolloutStrategy = &manual
		r.State = types.RolloutStateInProgress
		pct := 10
		r.CurrentTargetRolloutPct = &pct
		started := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
		r.CurrentStepStartedAt = &started
	})

	out := f.tick(t, TickRequest{})
	if out.CurrentPct != 10 {
		t.Fatalf("manual rollout advanced without operator signal: pct=%d", out.CurrentPct)
	}

	out = f.tick(t, TickRequest{AdvanceRequested: true})
	if out.CurrentPct != 20 {
		t.Fatalf("pct = %d after operator advance, want 20", out.CurrentPct)
	}
}

func TestUnknownHealthHoldsStep(t *testing.T) {
	f := newFixture(t, func(r *types.ConnectorRollout) {
		r.State = types.RolloutStateInProgress
		pct := 20
		r.CurrentTargetRolloutPct = &pct
		started := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
		r.CurrentStepStartedAt = &started
	})
	f.health.set(HealthUnknown, nil)

	out := f.tick(t, TickRequest{})
	if out.CurrentPct != 20 || out.Done {
		t.Fatalf("unknown health should hold the step: %+v", out)
	}
}

func TestCancelIsTerminalAndSticky(t *testing.T) {
	f := newFixture(t, func(r *types.ConnectorRollout) {
		r.State = types.RolloutStateInProgress
		pct := 20
		r.CurrentTargetRolloutPct = &pct
		started := time.Date(2025, 6, 1, 11, 55, 0, 0, time.UTC)
		r.CurrentStepStartedAt = &started
	})

	out := f.tick(t, TickRequest{CancelRequested: true, Reason: "bad release"})
	if out.State != types.RolloutStateCanceled || !out.Done {
		t.Fatalf("cancel outcome = %+v", out)
	}
	r := f.current(t)
	if r.CompletedAt == nil {
		t.Fatalf("completed_at not set on cancel")
	}
	firstCompleted := *r.CompletedAt

	// A later tick against a terminal rollout changes nothing.
	out = f.tick(t, TickRequest{AdvanceRequested: true})
	if out.State != types.RolloutStateCanceled || !out.Done {
		t.Fatalf("post-cancel outcome = %+v", out)
	}
	if r := f.current(t); !r.CompletedAt.Equal(firstCompleted) {
		t.Fatalf("completed_at changed after terminal state")
	}
}

func TestPauseAndResumeResetStepTimer(t *testing.T) {
	f := newFixture(t, func(r *types.ConnectorRollout) {
		r.State = types.RolloutStateInProgress
		pct := 10
		r.CurrentTargetRolloutPct = &pct
		started := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
		r.CurrentStepStartedAt = &started
	})

	out := f.tick(t, TickRequest{PauseRequested: true, Reason: "investigating"})
	if out.State != types.RolloutStatePaused {
		t.Fatalf("state = %s after pause", out.State)
	}
	if r := f.current(t); r.PausedReason == nil || *r.PausedReason != "investigating" {
		t.Fatalf("paused_reason not recorded")
	}

	// Paused rollouts hold position even when healthy.
	out = f.tick(t, TickRequest{})
	if out.State != types.RolloutStatePaused || out.CurrentPct != 10 {
		t.Fatalf("paused rollout moved: %+v", out)
	}

	f.clock = f.clock.Add(2 * time.Hour)
	out = f.tick(t, TickRequest{ResumeRequested: true})
	if out.State != types.RolloutStateInProgress {
		t.Fatalf("state = %s after resume", out.State)
	}
	r := f.current(t)
	if r.CurrentStepStartedAt == nil || !r.CurrentStepStartedAt.Equal(f.clock) {
		t.Fatalf("resume did not reset the step timer: %v", r.CurrentStepStartedAt)
	}
	if r.PausedReason != nil {
		t.Fatalf("paused_reason not cleared on resume")
	}
}

func TestExpiredRolloutFails(t *testing.T) {
	f := newFixture(t, func(r *types.ConnectorRollout) {
		r.State = types.RolloutStateInProgress
		pct := 50
		r.CurrentTargetRolloutPct = &pct
		started := time.Date(2025, 6, 1, 11, 59, 0, 0, time.UTC)
		r.CurrentStepStartedAt = &started
		expires := time.Date(2025, 6, 1, 11, 30, 0, 0, time.UTC)
		r.ExpiresAt = &expires
	})

	out := f.tick(t, TickRequest{})
	if out.State != types.RolloutStateFailed || !out.Done {
		t.Fatalf("expired rollout outcome = %+v, want failed", out)
	}
}

func TestHealthConnectivityErrorHoldsTick(t *testing.T) {
	f := newFixture(t, func(r *types.ConnectorRollout) {
		r.State = types.RolloutStateInProgress
		pct := 30
		r.CurrentTargetRolloutPct = &pct
		started := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
		r.CurrentStepStartedAt = &started
	})
	f.health.set(HealthUnknown, &workload.ConnectivityError{Op: "list workloads", Err: context.DeadlineExceeded})

	out := f.tick(t, TickRequest{})
	if out.Done {
		t.Fatalf("connectivity error must not terminate the rollout")
	}
	if r := f.current(t); r.State != types.RolloutStateInProgress || r.CurrentPct() != 30 {
		t.Fatalf("rollout changed during outage: state=%s pct=%d", r.State, r.CurrentPct())
	}
}

func TestBusyAdvanceLockHoldsTick(t *testing.T) {
	f := newFixture(t, func(r *types.ConnectorRollout) {
		r.State = types.RolloutStateInProgress
		pct := 10
		r.CurrentTargetRolloutPct = &pct
		started := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
		r.CurrentStepStartedAt = &started
	})

	release, ok, err := f.locks.Acquire(context.Background(), f.rollout.ActorDefinitionID, time.Minute)
	if err != nil || !ok {
		t.Fatalf("pre-acquire lock: ok=%v err=%v", ok, err)
	}
	defer release()

	out := f.tick(t, TickRequest{AdvanceRequested: true})
	if out.Done || out.CurrentPct != 10 {
		t.Fatalf("tick should hold while lock is busy: %+v", out)
	}
}
