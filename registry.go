package offlineagent

import (
	"context"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
)

// Registry coordinates agent generations for one origin: at most one active
// agent, plus at most one newer generation installing or waiting behind it.
// The two coexist until the newer one activates and deletes the older
// generation's store.
type Registry struct {
	mutex   sync.Mutex
	active  *Agent
	waiting *Agent
	log     zerolog.Logger
}

func NewRegistry(logger *zerolog.Logger) *Registry {
	var log zerolog.Logger
	if logger == nil {
		log = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		log = *logger
	}
	return &Registry{log: log}
}

// Update installs the given agent generation. If the agent skip-waits it
// becomes the active generation immediately; otherwise it parks in the
// waiting slot until a SKIP_WAITING message promotes it.
func (g *Registry) Update(ctx context.Context, a *Agent) error {
	if err := a.Install(ctx); err != nil {
		return err
	}
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if a.State() == StateActive {
		g.active = a
		g.waiting = nil
		g.log.Info().Str("generation", a.Generation()).Msg("Generation active")
	} else {
		g.waiting = a
		g.log.Info().Str("generation", a.Generation()).Msg("Generation installed, waiting")
	}
	return nil
}

// Active returns the currently active agent, or nil.
func (g *Registry) Active() *Agent {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.active
}

// Waiting returns the installed-but-waiting agent, or nil.
func (g *Registry) Waiting() *Agent {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.waiting
}

// HandleMessage routes control messages between generations: SKIP_WAITING
// goes to the waiting generation and promotes it on success, everything
// else goes to the active generation.
func (g *Registry) HandleMessage(ctx context.Context, msg Message) {
	if msg.Type == MessageSkipWaiting {
		g.mutex.Lock()
		a := g.waiting
		g.mutex.Unlock()
		if a == nil {
			return
		}
		a.HandleMessage(ctx, msg)
		if a.State() == StateActive {
			g.mutex.Lock()
			g.active = a
			g.waiting = nil
			g.mutex.Unlock()
			g.log.Info().Str("generation", a.Generation()).Msg("Waiting generation promoted")
		}
		return
	}
	g.mutex.Lock()
	a := g.active
	g.mutex.Unlock()
	if a != nil {
		a.HandleMessage(ctx, msg)
	}
}

// ControlHandler returns the control protocol surface routed through the
// registry, so messages reach the right generation.
func (g *Registry) ControlHandler() http.Handler {
	return controlHandler(g.HandleMessage)
}

// ServeHTTP forwards request interception to the active generation.
func (g *Registry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a := g.Active()
	if a == nil {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	a.ServeHTTP(w, r)
}
