package rollout

import (
	"context"

	"github.com/openloom/connector-rollout/internal/clients/workload"
	types "github.com/openloom/connector-rollout/internal/domain"
)

type HealthSignal string

const (
	HealthHealthy   HealthSignal = "healthy"
	HealthUnhealthy HealthSignal = "unhealthy"
	HealthUnknown   HealthSignal = "unknown"
)

// HealthChecker decides whether the release candidate looks healthy at the
// current percentage band. The signal source is pluggable; the engine only
// consumes the tri-state result.
type HealthChecker interface {
	Check(ctx context.Context, r *types.ConnectorRollout) (HealthSignal, error)
}

// WorkloadHealthChecker derives the signal from workload outcomes on the
// release-candidate version: any failure is UNHEALTHY, at least one success
// with no failures is HEALTHY, and no terminal outcome yet is UNKNOWN.
type WorkloadHealthChecker struct {
	client workload.Client
}

func NewWorkloadHealthChecker(client workload.Client) *WorkloadHealthChecker {
	return &WorkloadHealthChecker{client: client}
}

func (h *WorkloadHealthChecker) Check(ctx context.Context, r *types.ConnectorRollout) (HealthSignal, error) {
	rcVersion := r.ReleaseCandidateVersionID
	summaries, err := h.client.ListForActor(ctx, r.ActorDefinitionID, &rcVersion, true)
	if err != nil {
		return HealthUnknown, err
	}

	sawSuccess := false
	for _, s := range summaries {
		switch s.Status {
		case types.WorkloadStatusFailure:
			return HealthUnhealthy, nil
		case types.WorkloadStatusSuccess:
			sawSuccess = true
		}
	}
	if sawSuccess {
		return HealthHealthy, nil
	}
	return HealthUnknown, nil
}
