package rollout

import (
	"context"

	"github.com/openloom/connector-rollout/internal/clients/workload"
)

// StatusOracle answers one question: has a workload reached a terminal
// state. Transient I/O errors are surfaced as-is; the caller decides
// whether to retry. No side effects.
type StatusOracle interface {
	IsTerminal(ctx context.Context, workloadID string) (bool, error)
}

type workloadStatusOracle struct {
	client workload.Client
}

func NewStatusOracle(client workload.Client) StatusOracle {
	return &workloadStatusOracle{client: client}
}

func (o *workloadStatusOracle) IsTerminal(ctx context.Context, workloadID string) (bool, error) {
	status, err := o.client.GetStatus(ctx, workloadID)
	if err != nil {
		return false, err
	}
	return status.Terminal(), nil
}
