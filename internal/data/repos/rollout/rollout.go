package rollout

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/openloom/connector-rollout/internal/domain"
	"github.com/openloom/connector-rollout/internal/platform/dbctx"
	"github.com/openloom/connector-rollout/internal/platform/logger"
)

// ErrActiveRolloutExists is returned when a second non-terminal rollout is
// created for the same actor definition.
var ErrActiveRolloutExists = errors.New("an active rollout already exists for this actor definition")

type ConnectorRolloutRepo interface {
	Create(dbc dbctx.Context, r *types.ConnectorRollout) (*types.ConnectorRollout, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ConnectorRollout, error)
	GetActiveByActorDefinition(dbc dbctx.Context, actorDefinitionID uuid.UUID) (*types.ConnectorRollout, error)
	ListActive(dbc dbctx.Context) ([]*types.ConnectorRollout, error)
	List(dbc dbctx.Context, actorDefinitionID *uuid.UUID, limit, offset int) ([]*types.ConnectorRollout, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	UpdateFieldsUnlessState(dbc dbctx.Context, id uuid.UUID, disallowedStates []string, updates map[string]interface{}) (bool, error)
	Finalize(dbc dbctx.Context, id uuid.UUID, state types.RolloutState, updates map[string]interface{}) (bool, error)
}

type connectorRolloutRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewConnectorRolloutRepo(db *gorm.DB, baseLog *logger.Logger) ConnectorRolloutRepo {
	return &connectorRolloutRepo{
		db:  db,
		log: baseLog.With("repo", "ConnectorRolloutRepo"),
	}
}

func (r *connectorRolloutRepo) Create(dbc dbctx.Context, rollout *types.ConnectorRollout) (*types.ConnectorRollout, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if rollout == nil {
		return nil, fmt.Errorf("nil rollout")
	}
	if rollout.ActorDefinitionID == uuid.Nil {
		return nil, fmt.Errorf("actor_definition_id required")
	}

	// At most one non-terminal rollout per actor definition. The check and
	// insert run in one transaction with the actor's rows locked so two
	// concurrent creates cannot both pass the check.
	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var count int64
		if err := txx.Model(&types.ConnectorRollout{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("actor_definition_id = ? AND state NOT IN ?",
				rollout.ActorDefinitionID, types.TerminalRolloutStates()).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrActiveRolloutExists
		}
		return txx.Create(rollout).Error
	})
	if err != nil {
		return nil, err
	}
	return rollout, nil
}

func (r *connectorRolloutRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ConnectorRollout, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var rollout types.ConnectorRollout
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&rollout).Error
	if err != nil {
		return nil, err
	}
	if rollout.ID == uuid.Nil {
		return nil, nil
	}
	return &rollout, nil
}

func (r *connectorRolloutRepo) GetActiveByActorDefinition(dbc dbctx.Context, actorDefinitionID uuid.UUID) (*types.ConnectorRollout, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if actorDefinitionID == uuid.Nil {
		return nil, nil
	}
	var rollout types.ConnectorRollout
	err := transaction.WithContext(dbc.Ctx).
		Where("actor_definition_id = ? AND state NOT IN ?", actorDefinitionID, types.TerminalRolloutStates()).
		Order("created_at DESC").
		Limit(1).
		Find(&rollout).Error
	if err != nil {
		return nil, err
	}
	if rollout.ID == uuid.Nil {
		return nil, nil
	}
	return &rollout, nil
}

func (r *connectorRolloutRepo) ListActive(dbc dbctx.Context) ([]*types.ConnectorRollout, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.ConnectorRollout
	err := transaction.WithContext(dbc.Ctx).
		Where("state NOT IN ?", types.TerminalRolloutStates()).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *connectorRolloutRepo) List(dbc dbctx.Context, actorDefinitionID *uuid.UUID, limit, offset int) ([]*types.ConnectorRollout, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	q := transaction.WithContext(dbc.Ctx).Model(&types.ConnectorRollout{})
	if actorDefinitionID != nil && *actorDefinitionID != uuid.Nil {
		q = q.Where("actor_definition_id = ?", *actorDefinitionID)
	}
	var out []*types.ConnectorRollout
	err := q.Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *connectorRolloutRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&types.ConnectorRollout{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *connectorRolloutRepo) UpdateFieldsUnlessState(dbc dbctx.Context, id uuid.UUID, disallowedStates []string, updates map[string]interface{}) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}

	q := transaction.WithContext(dbc.Ctx).
		Model(&types.ConnectorRollout{}).
		Where("id = ?", id)
	if len(disallowedStates) == 1 {
		q = q.Where("state <> ?", disallowedStates[0])
	} else if len(disallowedStates) > 1 {
		q = q.Where("state NOT IN ?", disallowedStates)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Finalize moves a rollout into a terminal state and stamps completed_at in
// the same update. It refuses to touch rollouts that are already terminal,
// which keeps completed_at set exactly once.
func (r *connectorRolloutRepo) Finalize(dbc dbctx.Context, id uuid.UUID, state types.RolloutState, updates map[string]interface{}) (bool, error) {
	if !state.Terminal() {
		return false, fmt.Errorf("finalize called with non-terminal state %s", state)
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	now := time.Now().UTC()
	updates["state"] = string(state)
	updates["completed_at"] = now
	updates["updated_at"] = now
	return r.UpdateFieldsUnlessState(dbc, id, types.TerminalRolloutStates(), updates)
}
