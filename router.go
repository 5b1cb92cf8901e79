package offlineagent

import (
	"net/http"
	"strings"
)

// Action is the routing decision for a single intercepted request.
type Action int

const (
	// ActionBypass means the agent does not intercept the request at all:
	// it is passed along untouched and never enters the cache.
	ActionBypass Action = iota
	// ActionServeCached means a stored response is returned with no
	// network access.
	ActionServeCached
	// ActionFetchAndCache means the request goes to the network and a
	// successful response is opportunistically written to the store.
	ActionFetchAndCache
	// ActionFetchOnly means the request goes to the network and the
	// response is never stored.
	ActionFetchOnly
)

func (a Action) String() string {
	switch a {
	case ActionBypass:
		return "bypass"
	case ActionServeCached:
		return "serve-cached"
	case ActionFetchAndCache:
		return "fetch-and-cache"
	case ActionFetchOnly:
		return "fetch-only"
	}
	return "unknown"
}

// RoutePolicy holds the origin rules the routing decision depends on.
type RoutePolicy struct {
	// Host (including any port) of the agent's own origin.
	// The same hostname on a different port is a different origin.
	OwnHost string
	// External hostnames that may be fetched through the agent but rely on
	// the transport's own caching and are never written to the store.
	AllowedHosts []string
	// Hosted third-party application domains that must always hit the
	// network fresh. Matched exactly or as a domain suffix.
	BypassHosts []string
}

// Route is the routing decision for an intercepted request.
// The cached argument tells whether the store holds a matching entry.
// The decision is pure: it reads nothing but the request and its arguments.
func (p RoutePolicy) Route(r *http.Request, cached bool) Action {
	host := requestHost(r)
	if host != "" {
		hostname := strings.ToLower(r.URL.Hostname())
		if p.isBypassHost(hostname) {
			return ActionBypass
		}
		if !strings.EqualFold(host, p.OwnHost) {
			// allowed external origins are fetched but never served from or
			// written to the store; everything else is not intercepted at all
			if p.isAllowedHost(hostname) {
				return ActionFetchOnly
			}
			return ActionBypass
		}
	}
	if cached {
		return ActionServeCached
	}
	if r.Method != http.MethodGet {
		return ActionFetchOnly
	}
	return ActionFetchAndCache
}

func (p RoutePolicy) isAllowedHost(host string) bool {
	for _, allowed := range p.AllowedHosts {
		if strings.EqualFold(host, allowed) {
			return true
		}
	}
	return false
}

func (p RoutePolicy) isBypassHost(host string) bool {
	for _, bypass := range p.BypassHosts {
		if strings.EqualFold(host, bypass) ||
			strings.HasSuffix(strings.ToLower(host), "."+strings.ToLower(bypass)) {
			return true
		}
	}
	return false
}

// requestHost returns the target host (including any port) of an
// intercepted request. Requests with a relative URL target the agent's own
// origin, for which an empty string is returned.
func requestHost(r *http.Request) string {
	if r.URL.IsAbs() {
		return strings.ToLower(r.URL.Host)
	}
	return ""
}

// isNavigation reports whether the request is a top-level navigation.
func isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}
