package offlineagent

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/snt-tools/offline-agent/cache"
	snapshot "github.com/snt-tools/offline-agent/pkg/response-snapshot"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of an agent generation.
type State int

const (
	StateUninstalled State = iota
	StateInstalling
	// StateWaiting means the generation is installed but not yet in
	// control of the origin.
	StateWaiting
	StateActivating
	StateActive
)

func (s State) String() string {
	switch s {
	case StateUninstalled:
		return "uninstalled"
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	}
	return "unknown"
}

type Config struct {
	// Storage for cache stores.
	Cache cache.CacheProvider
	// Name of the cache generation this agent manages, e.g. "snt-tools-v1".
	Generation string
	// Base location of the origin. Precache paths and relative request
	// URLs resolve against this.
	BaseURL url.URL
	// Relative resource paths fetched and stored at install time.
	Precache []string
	// Relative path of the page served to navigations when the network
	// is unavailable. Should be part of the precache manifest.
	OfflinePage string
	// External hostnames that may be fetched but are never stored.
	AllowedOrigins []string
	// Hosted third-party application domains that are never intercepted.
	BypassDomains []string
	// Registry of open browsing contexts for the origin.
	// A new empty registry is used if nil.
	Clients *Clients
	// Notification surface. Notifications are dropped if nil.
	Notifier Notifier
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Do not promote immediately after install; wait for a SKIP_WAITING
	// control message instead.
	DisableSkipWaiting bool
	// Maximum number of concurrent precache fetches. Defaults to 4.
	PrecacheConcurrency int
}

// Agent is one generation of the offline-caching agent.
// It intercepts every request for its origin, answers from its cache store
// when possible, and falls back to precached content when the network fails.
type Agent struct {
	cache       cache.CacheProvider
	generation  string
	baseURL     url.URL
	precache    []string
	offlineKey  string
	policy      RoutePolicy
	clients     *Clients
	notifier    Notifier
	log         zerolog.Logger
	httpClient  http.Client
	skipWaiting bool
	fetchLimit  int

	stateMutex sync.Mutex
	state      State

	// pending tracks background cache writes so that an event is not
	// considered settled until its writes have landed.
	pending sync.WaitGroup
}

// New creates an agent for the given generation. The agent is uninstalled
// until Install is called.
func New(config Config) *Agent {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("generation", config.Generation).
		Str("origin", config.BaseURL.String()).
		Logger()

	clients := config.Clients
	if clients == nil {
		clients = NewClients()
	}
	notifier := config.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}

	offlinePage := config.OfflinePage
	if offlinePage == "" {
		offlinePage = "./offline.html"
	}

	fetchLimit := config.PrecacheConcurrency
	if fetchLimit <= 0 {
		fetchLimit = 4
	}

	a := &Agent{
		cache:      config.Cache,
		generation: config.Generation,
		baseURL:    config.BaseURL,
		precache:   config.Precache,
		policy: RoutePolicy{
			OwnHost:      config.BaseURL.Host,
			AllowedHosts: config.AllowedOrigins,
			BypassHosts:  config.BypassDomains,
		},
		clients:     clients,
		notifier:    notifier,
		log:         logger,
		skipWaiting: !config.DisableSkipWaiting,
		fetchLimit:  fetchLimit,
		state:       StateUninstalled,
		httpClient: http.Client{
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}

	if u, err := a.baseURL.Parse(offlinePage); err == nil {
		a.offlineKey = storeKey(http.MethodGet, u.RequestURI())
	} else {
		a.log.Error().Err(err).Str("path", offlinePage).Msg("Could not resolve offline page")
	}

	return a
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	a.stateMutex.Lock()
	defer a.stateMutex.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.stateMutex.Lock()
	a.state = s
	a.stateMutex.Unlock()
	a.log.Debug().Stringer("state", s).Msg("Lifecycle state changed")
}

// Generation returns the name of the cache generation this agent manages.
func (a *Agent) Generation() string {
	return a.generation
}

// Wait blocks until all pending background cache writes have settled.
// The response path never waits on these writes; Wait exists so callers
// (and tests) can keep the agent alive until outstanding work is done.
func (a *Agent) Wait() {
	a.pending.Wait()
}

// Install opens the generation's cache store and precaches the manifest.
// Precache failures are logged and swallowed: partial offline coverage is
// better than none, so install never aborts because of them. Unless
// skip-waiting is disabled, the generation activates immediately afterwards.
func (a *Agent) Install(ctx context.Context) error {
	a.setState(StateInstalling)
	if err := a.cache.Open(a.generation); err != nil {
		a.setState(StateUninstalled)
		return fmt.Errorf("open cache store %q: %w", a.generation, err)
	}
	a.precacheAll(ctx)
	a.setState(StateWaiting)
	if a.skipWaiting {
		return a.Activate(ctx)
	}
	return nil
}

// precacheAll fetches and stores every manifest entry with bounded
// concurrency. Individual failures are logged, never returned.
func (a *Agent) precacheAll(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.fetchLimit)
	for _, path := range a.precache {
		path := path
		g.Go(func() error {
			if err := a.precacheOne(ctx, path); err != nil {
				a.log.Error().Err(err).Str("path", path).Msg("Could not precache resource")
			}
			return nil
		})
	}
	g.Wait()
	a.log.Info().Int("resources", len(a.precache)).Msg("Precache done")
}

func (a *Agent) precacheOne(ctx context.Context, path string) error {
	u, err := a.baseURL.Parse(path)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	res, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d for %s", res.StatusCode, u)
	}
	return a.storeResponse(storeKey(http.MethodGet, u.RequestURI()), res)
}

// Activate retires all other generations and takes control of the origin's
// browsing contexts. Store deletions complete before contexts are claimed.
func (a *Agent) Activate(ctx context.Context) error {
	a.setState(StateActivating)
	stores, err := a.cache.Stores()
	if err != nil {
		a.log.Error().Err(err).Msg("Could not enumerate cache stores")
	}
	for _, name := range stores {
		if name == a.generation {
			continue
		}
		if err := a.cache.Delete(name); err != nil {
			a.log.Error().Err(err).Str("store", name).Msg("Could not delete stale cache store")
			continue
		}
		a.log.Info().Str("store", name).Msg("Deleted stale cache store")
	}
	claimed := a.clients.Claim(a.generation)
	a.setState(StateActive)
	a.log.Info().Int("clients", claimed).Msg("Generation activated")
	return nil
}

// storeResponse writes a snapshot of the response into the generation's
// store. The response body is restored so it can still be sent onwards.
func (a *Agent) storeResponse(key string, res *http.Response) error {
	bts, err := snapshot.FromResponse(res).Bytes()
	if err != nil {
		return err
	}
	return a.cache.Put(a.generation, key, bts)
}

// storeKey returns the cache key for a method and request URI.
func storeKey(method, requestURI string) string {
	return method + ":" + requestURI
}

// requestKey returns the cache key for an intercepted request.
func requestKey(r *http.Request) string {
	return storeKey(r.Method, r.URL.RequestURI())
}
