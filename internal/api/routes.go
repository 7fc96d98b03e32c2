package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// HealthStatus is the health check response body.
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
}

// HandleHealth always returns 200 OK.
// (GET /health)
func (s *Server) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   "automations",
	})
}

// RegisterRoutes mounts all handlers on the echo instance. webhookAuth
// guards only the inbound webhook surface; the management API is
// expected to sit behind the deployment's own perimeter.
func (s *Server) RegisterRoutes(e *echo.Echo, webhookAuth echo.MiddlewareFunc) {
	e.GET("/health", s.HandleHealth)

	hooks := e.Group("/webhooks")
	if webhookAuth != nil {
		hooks.Use(webhookAuth)
	}
	hooks.POST("/:workflow_id", s.HandleWebhook)

	v1 := e.Group("/api/v1")
	v1.GET("/workflows", s.ListWorkflows)
	v1.PUT("/workflows", s.PutWorkflow)
	v1.GET("/workflows/:id", s.GetWorkflow)
	v1.DELETE("/workflows/:id", s.DeleteWorkflow)
	v1.POST("/workflows/:id/publish", s.PublishWorkflow)
	v1.POST("/workflows/:id/pause", s.PauseWorkflow)

	v1.POST("/events", s.HandleEvent)

	v1.GET("/dispatches", s.ListDispatches)
	v1.GET("/dispatches/:id", s.GetDispatch)
	v1.POST("/dispatches/:id/requeue", s.RequeueDispatch)
}
