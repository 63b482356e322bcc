package handler

import (
	"meetgo/backend/internal/chathub"
	"meetgo/backend/internal/config"
)

// Handler holds what the HTTP endpoints need: the connection supervisor and
// the loaded configuration.
type Handler struct {
	Hub    *chathub.Supervisor
	Config *config.Config
}

func NewHandler(hub *chathub.Supervisor, cfg *config.Config) *Handler {
	return &Handler{Hub: hub, Config: cfg}
}
