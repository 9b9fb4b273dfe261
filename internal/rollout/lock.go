package rollout

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AdvanceLocker serializes advance decisions per actor definition. Acquire
// is non-blocking: ok=false means another evaluation holds the lock and the
// caller should hold until the next tick instead of waiting.
type AdvanceLocker interface {
	Acquire(ctx context.Context, actorDefinitionID uuid.UUID, ttl time.Duration) (release func(), ok bool, err error)
}

// localAdvanceLocker serializes within a single process. Fine for one
// worker; multi-node deployments use the redis-backed locker.
type localAdvanceLocker struct {
	mu   sync.Mutex
	held map[uuid.UUID]struct{}
}

func NewLocalAdvanceLocker() AdvanceLocker {
	return &localAdvanceLocker{held: make(map[uuid.UUID]struct{})}
}

func (l *localAdvanceLocker) Acquire(_ context.Context, actorDefinitionID uuid.UUID, _ time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[actorDefinitionID]; busy {
		return nil, false, nil
	}
	l.held[actorDefinitionID] = struct{}{}
	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, actorDefinitionID)
	}
	return release, true, nil
}
