package offlineagent

import (
	"io"
	"net/http"

	snapshot "github.com/snt-tools/offline-agent/pkg/response-snapshot"
)

// ServeHTTP implements the http.Handler interface.
// It is the fetch entry point: every request the page makes goes through it.
func (a *Agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := requestKey(r)
	bts, hit, err := a.cache.Match(a.generation, key)
	if err != nil {
		a.log.Error().Err(err).Str("key", key).Msg("Could not read from cache")
		hit = false
	}

	switch action := a.policy.Route(r, hit); action {
	case ActionBypass:
		a.passthrough(w, r)
	case ActionServeCached:
		a.serveStored(w, r, bts)
	case ActionFetchAndCache:
		a.fetchAndRespond(w, r, true)
	case ActionFetchOnly:
		a.fetchAndRespond(w, r, false)
	default:
		a.log.Error().Stringer("action", action).Msg("Unhandled routing action")
		a.passthrough(w, r)
	}
}

// passthrough forwards the request verbatim and returns the response as-is.
// The cache is neither read nor written, and no agent headers are added.
func (a *Agent) passthrough(w http.ResponseWriter, r *http.Request) {
	res, err := a.fetchOrigin(r)
	if err != nil {
		a.log.Error().Err(err).Str("url", r.URL.String()).Msg("Bypass fetch failed")
		http.Error(w, "Could not get response", http.StatusBadGateway)
		return
	}
	defer res.Body.Close()
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	io.Copy(w, res.Body)
}

// serveStored sends a previously stored response snapshot to the client.
// A snapshot that can no longer be decoded falls through to the network.
func (a *Agent) serveStored(w http.ResponseWriter, r *http.Request, bts []byte) {
	snap, err := snapshot.FromBytes(bts)
	if err != nil {
		a.log.Error().Err(err).Str("key", requestKey(r)).Msg("Could not decode stored response")
		a.fetchAndRespond(w, r, true)
		return
	}
	res := snap.Response
	defer res.Body.Close()
	copyHeader(w.Header(), res.Header)
	w.Header().Set("Cache-Status", "Offline-Agent; hit")
	w.WriteHeader(res.StatusCode)
	if _, err := io.Copy(w, res.Body); err != nil {
		a.log.Error().Err(err).Msg("Could not write response body to client")
	}
	a.logRequest(r, res.StatusCode, true)
}

// fetchAndRespond performs the network fetch and returns the response as-is.
// When cacheable, a clean 200 GET response for the agent's own origin is
// written to the store in the background; the response to the client is
// never delayed by the write, and a failed write is logged but has no
// other effect.
func (a *Agent) fetchAndRespond(w http.ResponseWriter, r *http.Request, cacheable bool) {
	res, err := a.fetchOrigin(r)
	if err != nil {
		a.fallback(w, r, err)
		return
	}
	defer res.Body.Close()

	var stored []byte
	if cacheable && res.StatusCode == http.StatusOK && r.Method == http.MethodGet {
		if bts, err := snapshot.FromResponse(res).Bytes(); err != nil {
			a.log.Debug().Err(err).Msg("Could not snapshot response")
		} else {
			stored = bts
		}
	}

	copyHeader(w.Header(), res.Header)
	w.Header().Set("Cache-Status", "Offline-Agent; fwd=miss")
	w.WriteHeader(res.StatusCode)
	if _, err := io.Copy(w, res.Body); err != nil {
		a.log.Error().Err(err).Msg("Could not write response body to client")
	}
	a.logRequest(r, res.StatusCode, false)

	if stored != nil {
		key := requestKey(r)
		a.pending.Add(1)
		// save to cache in goroutine (do not slow down response)
		go func() {
			defer a.pending.Done()
			if err := a.cache.Put(a.generation, key, stored); err != nil {
				a.log.Debug().Err(err).Str("key", key).Msg("Could not write to cache")
				return
			}
			a.log.Trace().Str("key", key).Msg("Cache write")
		}()
	}
}

// fallback recovers from a failed network fetch. Navigations get the
// precached offline page; everything else gets a synthesized 503.
func (a *Agent) fallback(w http.ResponseWriter, r *http.Request, fetchErr error) {
	a.log.Warn().Err(fetchErr).Str("url", r.URL.String()).Msg("Network fetch failed, serving fallback")
	if isNavigation(r) {
		if bts, ok, err := a.cache.Match(a.generation, a.offlineKey); err == nil && ok {
			// decode here instead of serveStored: a corrupt offline page
			// must not fall through to another doomed network fetch
			if snap, err := snapshot.FromBytes(bts); err == nil {
				res := snap.Response
				defer res.Body.Close()
				copyHeader(w.Header(), res.Header)
				w.Header().Set("Cache-Status", "Offline-Agent; hit")
				w.WriteHeader(res.StatusCode)
				io.Copy(w, res.Body)
				return
			}
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Status", "Offline-Agent; fwd=miss")
	w.WriteHeader(http.StatusServiceUnavailable)
	io.WriteString(w, "Offline")
}

// fetchOrigin issues the network fetch for an intercepted request.
// Relative request URLs resolve against the agent's base location.
func (a *Agent) fetchOrigin(r *http.Request) (*http.Response, error) {
	target := r.URL.String()
	if !r.URL.IsAbs() {
		u, err := a.baseURL.Parse(r.URL.RequestURI())
		if err != nil {
			return nil, err
		}
		target = u.String()
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, r.Header)
	return a.httpClient.Do(req)
}

func (a *Agent) logRequest(r *http.Request, status int, hit bool) {
	a.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Int("status", status).
		Bool("hit", hit).
		Msg("Sending response to client")
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a workaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
