// Package api contains the HTTP handlers for the automation service.
package api

import (
	"log/slog"

	"github.com/leadwave/automations/internal/actions"
	"github.com/leadwave/automations/internal/repository"
	"github.com/leadwave/automations/internal/trigger"
)

// Server holds the dependencies for the API handlers.
type Server struct {
	Store    repository.Store
	Matcher  *trigger.Matcher
	Registry *actions.Registry
	Logger   *slog.Logger
}

// NewServer creates a new Server.
func NewServer(store repository.Store, matcher *trigger.Matcher, registry *actions.Registry, logger *slog.Logger) *Server {
	return &Server{
		Store:    store,
		Matcher:  matcher,
		Registry: registry,
		Logger:   logger,
	}
}
