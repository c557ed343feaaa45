package server

import (
	"github.com/mlevasseur/remedy/pkg/remedy"
)

// A Server exposes the orchestration engine over a transport.
type Server interface {
	Init(port int, registry *remedy.Registry, scheduler *remedy.Scheduler, cfg *remedy.Config) error
}

// NewServer creates and starts the HTTP server for the engine.
func NewServer(port int, registry *remedy.Registry, scheduler *remedy.Scheduler, cfg *remedy.Config) (Server, error) {
	server := &httpServer{}
	return server, server.Init(port, registry, scheduler, cfg)
}
