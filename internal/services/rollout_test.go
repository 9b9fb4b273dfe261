package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	temporalsdkclient "go.temporal.io/sdk/client"

	"github.com/openloom/connector-rollout/internal/config"
	types "github.com/openloom/connector-rollout/internal/domain"
	"github.com/openloom/connector-rollout/internal/platform/dbctx"
	"github.com/openloom/connector-rollout/internal/platform/logger"
	"github.com/openloom/connector-rollout/internal/temporalx/rolloutrun"
)

type memRolloutRepo struct {
	mu       sync.Mutex
	rollouts map[uuid.UUID]*types.ConnectorRollout
}

func newMemRolloutRepo() *memRolloutRepo {
	return &memRolloutRepo{rollouts: map[uuid.UUID]*types.ConnectorRollout{}}
}

func (m *memRolloutRepo) Create(_ dbctx.Context, r *types.ConnectorRollout) (*types.ConnectorRollout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	m.rollouts[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *memRolloutRepo) GetByID(_ dbctx.Context, id uuid.UUID) (*types.ConnectorRollout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rollouts[id]
	if !ok {
		return nil, nil
	}
	out := *r
	return &out, nil
}

func (m *memRolloutRepo) GetActiveByActorDefinition(dbctx.Context, uuid.UUID) (*types.ConnectorRollout, error) {
	return nil, nil
}

func (m *memRolloutRepo) ListActive(dbctx.Context) ([]*types.ConnectorRollout, error) {
	return nil, nil
}

func (m *memRolloutRepo) List(dbctx.Context, *uuid.UUID, int, int) ([]*types.ConnectorRollout, error) {
	return nil, nil
}

func (m *memRolloutRepo) UpdateFields(_ dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	return nil
}

func (m *memRolloutRepo) UpdateFieldsUnlessState(dbctx.Context, uuid.UUID, []string, map[string]interface{}) (bool, error) {
	return true, nil
}

func (m *memRolloutRepo) Finalize(dbctx.Context, uuid.UUID, types.RolloutState, map[string]interface{}) (bool, error) {
	return true, nil
}

type signalStart struct {
	workflowID string
	signal     string
	cmd        rolloutrun.Command
	taskQueue  string
}

// fakeWorkflowClient fails workflow starts on demand and records every
// signal-with-start it receives.
type fakeWorkflowClient struct {
	startErr error
	signals  []signalStart
}

func (f *fakeWorkflowClient) ExecuteWorkflow(context.Context, temporalsdkclient.StartWorkflowOptions, interface{}, ...interface{}) (temporalsdkclient.WorkflowRun, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	return nil, nil
}

func (f *fakeWorkflowClient) SignalWithStartWorkflow(_ context.Context, workflowID, signalName string, signalArg interface{}, options temporalsdkclient.StartWorkflowOptions, _ interface{}, _ ...interface{}) (temporalsdkclient.WorkflowRun, error) {
	cmd, _ := signalArg.(rolloutrun.Command)
	f.signals = append(f.signals, signalStart{
		workflowID: workflowID,
		signal:     signalName,
		cmd:        cmd,
		taskQueue:  options.TaskQueue,
	})
	return nil, nil
}

func newServiceFixture(t *testing.T, tc WorkflowClient) (RolloutService, *memRolloutRepo) {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	repo := newMemRolloutRepo()
	return NewRolloutService(nil, log, repo, tc, config.Config{}), repo
}

func createInput() CreateRolloutInput {
	return CreateRolloutInput{
		ActorDefinitionID:         uuid.New(),
		ReleaseCandidateVersionID: uuid.New(),
		InitialRolloutPct:         10,
		FinalTargetRolloutPct:     100,
		MaxStepWaitTimeMins:       60,
	}
}

func TestCancelReachesRolloutWhoseWorkflowNeverStarted(t *testing.T) {
	tc := &fakeWorkflowClient{startErr: fmt.Errorf("dial temporal: connection refused")}
	svc, _ := newServiceFixture(t, tc)

	created, err := svc.Create(dbctx.Context{Ctx: context.Background()}, createInput())
	if err == nil {
		t.Fatalf("expected workflow start failure to surface")
	}
	if created == nil {
		t.Fatalf("rollout row should persist despite the start failure")
	}

	// Temporal comes back; cancel must still be deliverable.
	tc.startErr = nil
	if err := svc.Cancel(context.Background(), created.ID, "bad release", nil); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if len(tc.signals) != 1 {
		t.Fatalf("signals = %d, want 1", len(tc.signals))
	}
	got := tc.signals[0]
	if got.workflowID != rolloutrun.WorkflowID(created.ID) {
		t.Fatalf("workflow id = %q, want %q", got.workflowID, rolloutrun.WorkflowID(created.ID))
	}
	if got.signal != rolloutrun.SignalCancel {
		t.Fatalf("signal = %q, want %q", got.signal, rolloutrun.SignalCancel)
	}
	if got.cmd.Reason != "bad release" {
		t.Fatalf("reason = %q", got.cmd.Reason)
	}
	if got.taskQueue == "" {
		t.Fatalf("start options must carry a task queue for the restarted workflow")
	}
}

func TestSignalRejectsTerminalRollout(t *testing.T) {
	tc := &fakeWorkflowClient{}
	svc, repo := newServiceFixture(t, tc)

	now := time.Now().UTC()
	r, err := repo.Create(dbctx.Context{}, &types.ConnectorRollout{
		ActorDefinitionID:         uuid.New(),
		ReleaseCandidateVersionID: uuid.New(),
		State:                     types.RolloutStateSucceeded,
		InitialRolloutPct:         10,
		FinalTargetRolloutPct:     100,
		CompletedAt:               &now,
	})
	if err != nil {
		t.Fatalf("seed rollout: %v", err)
	}

	err = svc.Cancel(context.Background(), r.ID, "too late", nil)
	if err == nil {
		t.Fatalf("expected cancel of a terminal rollout to fail")
	}
	if len(tc.signals) != 0 {
		t.Fatalf("terminal rollout must not be signaled, got %d signals", len(tc.signals))
	}
}
