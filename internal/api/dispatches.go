package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/leadwave/automations/internal/repository"
	"github.com/leadwave/automations/internal/trigger"
	"github.com/leadwave/automations/pkg/models"
)

// DispatchDetail joins a dispatch with its ordered step trace.
type DispatchDetail struct {
	*models.Dispatch
	Trace []*models.StepTrace `json:"trace"`
}

// ListDispatches returns recent dispatches, optionally filtered by
// status via the ?status= query parameter.
// (GET /api/v1/dispatches)
func (s *Server) ListDispatches(c echo.Context) error {
	var status models.DispatchStatus
	if raw := c.QueryParam("status"); raw != "" {
		status = models.DispatchStatus(raw)
	}

	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}

	dispatches, err := s.Store.ListDispatches(c.Request().Context(), status, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, dispatches)
}

// GetDispatch returns a dispatch together with its step trace in
// execution order.
// (GET /api/v1/dispatches/:id)
func (s *Server) GetDispatch(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid dispatch id")
	}

	d, err := s.Store.GetDispatch(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "dispatch not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	trace, err := s.Store.ListTraces(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, &DispatchDetail{Dispatch: d, Trace: trace})
}

// RequeueDispatch returns a failed dispatch to the pending queue.
// Dispatches in any other state are refused; there is no automatic
// retry, so this is the only path back into the queue.
// (POST /api/v1/dispatches/:id/requeue)
func (s *Server) RequeueDispatch(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid dispatch id")
	}

	err = s.Store.Requeue(c.Request().Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "dispatch not found")
	}
	if errors.Is(err, repository.ErrNotRequeueable) {
		return echo.NewHTTPError(http.StatusConflict, "only failed dispatches can be requeued")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	s.Logger.Info("dispatch requeued", "dispatch_id", id.String())
	return c.JSON(http.StatusOK, map[string]string{"id": id.String(), "status": string(models.DispatchStatusPending)})
}

// HandleEvent ingests a normalized external event and fans it out to
// every published workflow whose trigger matches.
// (POST /api/v1/events)
func (s *Server) HandleEvent(c echo.Context) error {
	var ev trigger.Event
	if err := c.Bind(&ev); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}

	if mapped := trigger.MapExternalEvent(ev.Type); mapped != "" {
		ev.Type = mapped
	}
	if !trigger.TriggerTypes[ev.Type] {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown event type: "+ev.Type)
	}

	dispatches, err := s.Matcher.Fire(c.Request().Context(), ev)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	ids := make([]string, 0, len(dispatches))
	for _, d := range dispatches {
		ids = append(ids, d.ID.String())
	}

	return c.JSON(http.StatusAccepted, map[string]any{
		"matched":      len(dispatches),
		"dispatch_ids": ids,
	})
}

// HandleWebhook enqueues a dispatch for one specific workflow, keyed by
// the URL. The workflow must be published. Returns 202 with the
// dispatch id; execution is asynchronous.
// (POST /webhooks/:workflow_id)
func (s *Server) HandleWebhook(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := uuid.Parse(c.Param("workflow_id"))
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
	if w.Status != models.WorkflowStatusPublished {
		return echo.NewHTTPError(http.StatusConflict, "workflow is not published")
	}

	payload := map[string]any{}
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	payload["received_at"] = time.Now().UTC().Format(time.RFC3339)

	d, err := s.Store.Enqueue(ctx, id, payload)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusAccepted, map[string]string{
		"dispatch_id": d.ID.String(),
		"status":      string(d.Status),
	})
}
