package server

import (
	"context"

	"github.com/DominicWuest/dllbisect/pkg/dllbisect"
	"github.com/prometheus/client_golang/prometheus"
)

// Options configures which endpoints a server offers
type Options struct {
	Trials   chan *dllbisect.PendingTrial // Trials of a manual probe to hand out for rating. Rating endpoints are disabled if nil
	Gatherer prometheus.Gatherer          // Metrics to expose. The metrics endpoint is disabled if nil
}

type Server interface {
	// SetReport sets the report which is served while the run is going on
	SetReport(*dllbisect.Report)
	// Close shuts the server down
	Close(context.Context) error
}

// NewServer starts an HTTP server on localhost at the passed port
func NewServer(port int, opts Options) (Server, error) {
	server := &httpServer{}
	return server, server.Init(port, opts)
}
