package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/leadwave/automations/internal/repository"
	"github.com/leadwave/automations/pkg/models"
)

// ListWorkflows returns all workflow definitions.
// (GET /api/v1/workflows)
func (s *Server) ListWorkflows(c echo.Context) error {
	ctx := c.Request().Context()

	workflows, err := s.Store.ListWorkflows(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, workflows)
}

// GetWorkflow returns one workflow definition.
// (GET /api/v1/workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid workflow id")
	}

	w, err := s.Store.GetWorkflow(c.Request().Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, w)
}

// PutWorkflow creates or updates a workflow definition. New workflows
// start as drafts; published workflows cannot be edited in place and
// must be paused first.
// (PUT /api/v1/workflows)
func (s *Server) PutWorkflow(c echo.Context) error {
	ctx := c.Request().Context()

	var w models.Workflow
	if err := c.Bind(&w); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}

	if w.ID == uuid.Nil {
		w.ID = uuid.New()
		w.Status = models.WorkflowStatusDraft
	} else {
		existing, err := s.Store.GetWorkflow(ctx, w.ID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if existing != nil && existing.Status == models.WorkflowStatusPublished {
			return echo.NewHTTPError(http.StatusConflict, "workflow is published; pause it before editing")
		}
		if existing != nil {
			w.Status = existing.Status
		} else if w.Status == "" {
			w.Status = models.WorkflowStatusDraft
		}
	}

	for i := range w.Steps {
		if w.Steps[i].ID == uuid.Nil {
			w.Steps[i].ID = uuid.New()
		}
	}

	if err := s.Store.SaveWorkflow(ctx, &w); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to save workflow: "+err.Error())
	}

	return c.JSON(http.StatusOK, &w)
}

// PublishWorkflow validates a workflow's graph and action types, then
// marks it published so triggers can enqueue dispatches for it.
// (POST /api/v1/workflows/:id/publish)
func (s *Server) PublishWorkflow(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid workflow id")
	}

	w, err := s.Store.GetWorkflow(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if err := models.ValidateWorkflow(w); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, fmt.Sprintf("workflow graph invalid: %s", err))
	}

	var actionTypes []string
	for _, step := range w.Steps {
		if step.Kind == models.StepKindAction {
			actionTypes = append(actionTypes, step.ActionType)
		}
	}
	if err := s.Registry.ValidateActionTypes(actionTypes); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	if err := s.Store.SetWorkflowStatus(ctx, id, models.WorkflowStatusPublished); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	s.Logger.Info("workflow published", "workflow_id", id.String(), "name", w.Name)
	return c.JSON(http.StatusOK, map[string]string{"id": id.String(), "status": string(models.WorkflowStatusPublished)})
}

// PauseWorkflow stops a published workflow from accepting new
// dispatches. In-flight dispatches run to completion.
// (POST /api/v1/workflows/:id/pause)
func (s *Server) PauseWorkflow(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid workflow id")
	}

	err = s.Store.SetWorkflowStatus(c.Request().Context(), id, models.WorkflowStatusPaused)
	if errors.Is(err, repository.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]string{"id": id.String(), "status": string(models.WorkflowStatusPaused)})
}

// DeleteWorkflow removes a workflow definition. Refused while the
// workflow still has in-flight dispatches.
// (DELETE /api/v1/workflows/:id)
func (s *Server) DeleteWorkflow(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid workflow id")
	}

	err = s.Store.DeleteWorkflow(c.Request().Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
	}
	if errors.Is(err, repository.ErrWorkflowInUse) {
		return echo.NewHTTPError(http.StatusConflict, "workflow has in-flight dispatches")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.NoContent(http.StatusNoContent)
}
