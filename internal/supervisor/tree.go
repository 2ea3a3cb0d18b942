// Package supervisor runs the long-lived parts of the service under a suture
// tree: the refresh scheduler, the retention job and the HTTP server.
package supervisor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"premarket-tracker/internal/logging"
)

type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree has two layers so a crashing refresh loop never takes the API down
// with it; handlers keep serving the last snapshot.
type Tree struct {
	root    *suture.Supervisor
	refresh *suture.Supervisor
	api     *suture.Supervisor
	config  TreeConfig
}

func NewTree(config TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = def.FailureDecay
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = def.FailureBackoff
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}

	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	rootSpec := childSpec
	rootSpec.EventHook = EventHook

	root := suture.New("premarket-tracker", rootSpec)
	refresh := suture.New("refresh-layer", childSpec)
	api := suture.New("api-layer", childSpec)
	root.Add(refresh)
	root.Add(api)

	return &Tree{root: root, refresh: refresh, api: api, config: config}
}

func (t *Tree) AddRefreshService(svc suture.Service) suture.ServiceToken {
	return t.refresh.Add(svc)
}

func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve blocks until ctx is cancelled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}

// EventHook logs supervisor events through zerolog.
func EventHook(e suture.Event) {
	l := logging.Logger()
	var ev *zerolog.Event
	switch e.Type() {
	case suture.EventTypeServicePanic:
		ev = l.Error()
	case suture.EventTypeServiceTerminate, suture.EventTypeBackoff, suture.EventTypeStopTimeout:
		ev = l.Warn()
	default:
		ev = l.Info()
	}
	ev.Fields(e.Map()).Msg(e.String())
}
