package domain

import (
	"testing"
	"time"
)

func TestRolloutStateTerminal(t *testing.T) {
	terminal := []RolloutState{RolloutStateSucceeded, RolloutStateFailed, RolloutStateCanceled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	nonTerminal := []RolloutState{
		RolloutStateInitialized,
		RolloutStateInProgress,
		RolloutStatePaused,
		RolloutStateFinalizing,
		RolloutStateFailedRollingBack,
	}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}

func TestNextTargetPct(t *testing.T) {
	r := &ConnectorRollout{InitialRolloutPct: 10, FinalTargetRolloutPct: 100}
	if got := r.NextTargetPct(); got != 10 {
		t.Fatalf("first step: expected 10 got %d", got)
	}

	cur := 90
	r.CurrentTargetRolloutPct = &cur
	if got := r.NextTargetPct(); got != 100 {
		t.Fatalf("expected 100 got %d", got)
	}

	// Partial final step truncates instead of overshooting.
	r = &ConnectorRollout{InitialRolloutPct: 30, FinalTargetRolloutPct: 100}
	cur = 90
	r.CurrentTargetRolloutPct = &cur
	if got := r.NextTargetPct(); got != 100 {
		t.Fatalf("partial step: expected 100 got %d", got)
	}
}

func TestStepTimedOut(t *testing.T) {
	now := time.Now().UTC()
	started := now.Add(-30 * time.Minute)

	r := &ConnectorRollout{MaxStepWaitTimeMins: 20, CurrentStepStartedAt: &started}
	if !r.StepTimedOut(now) {
		t.Fatalf("expected step timeout after 30m with a 20m budget")
	}

	r.MaxStepWaitTimeMins = 60
	if r.StepTimedOut(now) {
		t.Fatalf("did not expect timeout with a 60m budget")
	}

	r.MaxStepWaitTimeMins = 0
	if r.StepTimedOut(now) {
		t.Fatalf("zero budget must never time out")
	}

	r = &ConnectorRollout{MaxStepWaitTimeMins: 20}
	if r.StepTimedOut(now) {
		t.Fatalf("no step start means no timeout")
	}
}

func TestExpired(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-1 * time.Minute)
	future := now.Add(1 * time.Minute)

	r := &ConnectorRollout{}
	if r.Expired(now) {
		t.Fatalf("nil expires_at never expires")
	}
	r.ExpiresAt = &future
	if r.Expired(now) {
		t.Fatalf("future expires_at should not be expired")
	}
	r.ExpiresAt = &past
	if !r.Expired(now) {
		t.Fatalf("past expires_at should be expired")
	}
}

func TestStrategyDefault(t *testing.T) {
	r := &ConnectorRollout{}
	if r.Strategy() != RolloutStrategyAutomated {
		t.Fatalf("expected automated default, got %s", r.Strategy())
	}
	manual := RolloutStrategyManual
	r.RolloutStrategy = &manual
	if r.Strategy() != RolloutStrategyManual {
		t.Fatalf("expected manual, got %s", r.Strategy())
	}
}
