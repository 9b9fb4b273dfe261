package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	rolloutrepo "github.com/openloom/connector-rollout/internal/data/repos/rollout"
	types "github.com/openloom/connector-rollout/internal/domain"
	"github.com/openloom/connector-rollout/internal/platform/dbctx"
	"github.com/openloom/connector-rollout/internal/services"
)

type RolloutHandler struct {
	rollouts services.RolloutService
}

func NewRolloutHandler(rollouts services.RolloutService) *RolloutHandler {
	return &RolloutHandler{rollouts: rollouts}
}

type createRolloutRequest struct {
	ActorDefinitionID         uuid.UUID              `json:"actor_definition_id" binding:"required"`
	ReleaseCandidateVersionID uuid.UUID              `json:"release_candidate_version_id" binding:"required"`
	InitialVersionID          *uuid.UUID             `json:"initial_version_id,omitempty"`
	InitialRolloutPct         int                    `json:"initial_rollout_pct"`
	FinalTargetRolloutPct     int                    `json:"final_target_rollout_pct"`
	HasBreakingChanges        bool                   `json:"has_breaking_changes"`
	RolloutStrategy           *types.RolloutStrategy `json:"rollout_strategy,omitempty"`
	MaxStepWaitTimeMins       int                    `json:"max_step_wait_time_mins"`
	ExpiresAt                 *time.Time             `json:"expires_at,omitempty"`
	UpdatedBy                 *uuid.UUID             `json:"updated_by,omitempty"`
}

type commandRequest struct {
	Reason    string     `json:"reason,omitempty"`
	UpdatedBy *uuid.UUID `json:"updated_by,omitempty"`
}

// POST /api/v1/rollouts
func (h *RolloutHandler) Create(c *gin.Context) {
	var req createRolloutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	created, err := h.rollouts.Create(dbctx.Context{Ctx: c.Request.Context()}, services.CreateRolloutInput{
		ActorDefinitionID:         req.ActorDefinitionID,
		ReleaseCandidateVersionID: req.ReleaseCandidateVersionID,
		InitialVersionID:          req.InitialVersionID,
		InitialRolloutPct:         req.InitialRolloutPct,
		FinalTargetRolloutPct:     req.FinalTargetRolloutPct,
		HasBreakingChanges:        req.HasBreakingChanges,
		Strategy:                  req.RolloutStrategy,
		MaxStepWaitTimeMins:       req.MaxStepWaitTimeMins,
		ExpiresAt:                 req.ExpiresAt,
		UpdatedBy:                 req.UpdatedBy,
	})
	if err != nil {
		if errors.Is(err, rolloutrepo.ErrActiveRolloutExists) {
			RespondError(c, http.StatusConflict, "active_rollout_exists", err)
			return
		}
		if created != nil {
			// The row exists but the workflow did not start.
			RespondError(c, http.StatusBadGateway, "workflow_start_failed", err)
			return
		}
		RespondError(c, http.StatusBadRequest, "invalid_rollout", err)
		return
	}

	RespondCreated(c, gin.H{"rollout": created})
}

// GET /api/v1/rollouts/:id
func (h *RolloutHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_rollout_id", err)
		return
	}
	r, err := h.rollouts.Get(dbctx.Context{Ctx: c.Request.Context()}, id)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "rollout_lookup_failed", err)
		return
	}
	if r == nil {
		RespondError(c, http.StatusNotFound, "rollout_not_found", fmt.Errorf("rollout not found"))
		return
	}
	RespondOK(c, gin.H{"rollout": r})
}

// GET /api/v1/rollouts?actor_definition_id=&active=&limit=&offset=
func (h *RolloutHandler) List(c *gin.Context) {
	dbc := dbctx.Context{Ctx: c.Request.Context()}

	if c.Query("active") == "true" {
		rollouts, err := h.rollouts.ListActive(dbc)
		if err != nil {
			RespondError(c, http.StatusInternalServerError, "rollout_list_failed", err)
			return
		}
		RespondOK(c, gin.H{"rollouts": rollouts})
		return
	}

	var actorDefinitionID *uuid.UUID
	if raw := c.Query("actor_definition_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			RespondError(c, http.StatusBadRequest, "invalid_actor_definition_id", err)
			return
		}
		actorDefinitionID = &id
	}

	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)

	rollouts, err := h.rollouts.List(dbc, actorDefinitionID, limit, offset)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "rollout_list_failed", err)
		return
	}
	RespondOK(c, gin.H{"rollouts": rollouts})
}

// POST /api/v1/rollouts/:id/advance
func (h *RolloutHandler) Advance(c *gin.Context) {
	h.command(c, "advance")
}

// POST /api/v1/rollouts/:id/pause
func (h *RolloutHandler) Pause(c *gin.Context) {
	h.command(c, "pause")
}

// POST /api/v1/rollouts/:id/resume
func (h *RolloutHandler) Resume(c *gin.Context) {
	h.command(c, "resume")
}

// POST /api/v1/rollouts/:id/cancel
func (h *RolloutHandler) Cancel(c *gin.Context) {
	h.command(c, "cancel")
}

func (h *RolloutHandler) command(c *gin.Context, action string) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_rollout_id", err)
		return
	}

	var req commandRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			RespondError(c, http.StatusBadRequest, "invalid_request", err)
			return
		}
	}

	ctx := c.Request.Context()
	switch action {
	case "advance":
		err = h.rollouts.Advance(ctx, id, req.UpdatedBy)
	case "pause":
		err = h.rollouts.Pause(ctx, id, req.Reason, req.UpdatedBy)
	case "resume":
		err = h.rollouts.Resume(ctx, id, req.UpdatedBy)
	case "cancel":
		err = h.rollouts.Cancel(ctx, id, req.Reason, req.UpdatedBy)
	}
	if err != nil {
		RespondError(c, http.StatusConflict, "rollout_"+action+"_failed", err)
		return
	}
	RespondOK(c, gin.H{"status": "accepted"})
}

func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return def
	}
	return n
}
