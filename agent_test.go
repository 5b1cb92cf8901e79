package offlineagent

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/snt-tools/offline-agent/cache"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

func newOrigin(hits map[string]int) *httptest.Server {
	count := func(path string) {
		if hits != nil {
			hits[path]++
		}
	}
	r := chi.NewRouter()
	r.Get("/index.html", func(w http.ResponseWriter, r *http.Request) {
		count("/index.html")
		w.Write([]byte("<html>index</html>"))
	})
	r.Get("/app.js", func(w http.ResponseWriter, r *http.Request) {
		count("/app.js")
		w.Write([]byte("console.log('app')"))
	})
	r.Get("/offline.html", func(w http.ResponseWriter, r *http.Request) {
		count("/offline.html")
		w.Write([]byte("<html>offline</html>"))
	})
	r.Get("/data.json", func(w http.ResponseWriter, r *http.Request) {
		count("/data.json")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	})
	r.Get("/missing-from-manifest.html", func(w http.ResponseWriter, r *http.Request) {
		count("/missing-from-manifest.html")
		w.Write([]byte("<html>late</html>"))
	})
	return httptest.NewServer(r)
}

func newTestAgent(t *testing.T, c cache.CacheProvider, originURL string, mutate func(*Config)) *Agent {
	t.Helper()
	u, err := url.Parse(originURL)
	if err != nil {
		t.Fatal(err)
	}
	logger := zerolog.Nop()
	config := Config{
		Cache:       c,
		Generation:  "snt-tools-v1",
		BaseURL:     *u,
		Precache:    []string{"./index.html", "./app.js", "./offline.html"},
		OfflinePage: "./offline.html",
		Logger:      &logger,
	}
	if mutate != nil {
		mutate(&config)
	}
	return New(config)
}

func TestInstallPrecachesManifest(t *testing.T) {
	origin := newOrigin(nil)
	defer origin.Close()
	c := cache.NewMemCache()
	a := newTestAgent(t, c, origin.URL, nil)

	if err := a.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{"GET:/index.html", "GET:/app.js", "GET:/offline.html"} {
		if _, ok, err := c.Match("snt-tools-v1", key); err != nil || !ok {
			t.Fatalf("Expected %s to be precached (ok=%v err=%v)", key, ok, err)
		}
	}
	if a.State() != StateActive {
		t.Fatalf("State is %s after install", a.State())
	}
}

func TestInstallSurvivesPrecacheFailure(t *testing.T) {
	origin := newOrigin(nil)
	defer origin.Close()
	c := cache.NewMemCache()
	a := newTestAgent(t, c, origin.URL, func(config *Config) {
		config.Precache = []string{"./index.html", "./does-not-exist.html"}
	})

	if err := a.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := c.Match("snt-tools-v1", "GET:/index.html"); !ok {
		t.Fatal("Expected index to be precached despite other failures")
	}
	if _, ok, _ := c.Match("snt-tools-v1", "GET:/does-not-exist.html"); ok {
		t.Fatal("404 response must not be precached")
	}
	if a.State() != StateActive {
		t.Fatalf("State is %s after partially failed install", a.State())
	}
}

func TestServesPrecachedWhenOffline(t *testing.T) {
	origin := newOrigin(nil)
	c := cache.NewMemCache()
	a := newTestAgent(t, c, origin.URL, nil)
	if err := a.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	origin.Close()

	rr := httptest.NewRecorder()
	a.ServeHTTP(rr, httptest.NewRequest("GET", "/index.html", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("Status is %d", rr.Code)
	}
	if body := rr.Body.String(); body != "<html>index</html>" {
		t.Fatalf("Body is %s", body)
	}
	if cs := rr.Header().Get("Cache-Status"); cs != "Offline-Agent; hit" {
		t.Fatalf("Cache-Status is %q", cs)
	}
}

func TestOfflineNavigationGetsFallbackPage(t *testing.T) {
	origin := newOrigin(nil)
	c := cache.NewMemCache()
	a := newTestAgent(t, c, origin.URL, nil)
	if err := a.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	origin.Close()

	req := httptest.NewRequest("GET", "/never-cached.html", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	rr := httptest.NewRecorder()
	a.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Status is %d", rr.Code)
	}
	if body := rr.Body.String(); body != "<html>offline</html>" {
		t.Fatalf("Body is %s", body)
	}
}

func TestOfflineNonNavigationGets503(t *testing.T) {
	origin := newOrigin(nil)
	c := cache.NewMemCache()
	a := newTestAgent(t, c, origin.URL, nil)
	if err := a.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	origin.Close()

	rr := httptest.NewRecorder()
	a.ServeHTTP(rr, httptest.NewRequest("GET", "/api/data", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("Status is %d", rr.Code)
	}
	if body := rr.Body.String(); body != "Offline" {
		t.Fatalf("Body is %q", body)
	}
}

// TestOpportunisticCaching checks the write-through property: a clean 200
// same-origin GET response gets stored as a side effect of serving it, and
// a repeat request can then be answered with the same body while offline.
func TestOpportunisticCaching(t *testing.T) {
	hits := map[string]int{}
	origin := newOrigin(hits)
	c := cache.NewMemCache()
	a := newTestAgent(t, c, origin.URL, func(config *Config) {
		config.Precache = nil
	})
	if err := a.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	a.ServeHTTP(rr, httptest.NewRequest("GET", "/data.json", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("Status is %d", rr.Code)
	}
	a.Wait()

	if _, ok, _ := c.Match("snt-tools-v1", "GET:/data.json"); !ok {
		t.Fatal("Expected response to be cached opportunistically")
	}

	origin.Close()
	rr = httptest.NewRecorder()
	a.ServeHTTP(rr, httptest.NewRequest("GET", "/data.json", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("Offline repeat status is %d", rr.Code)
	}
	if body := rr.Body.String(); body != `{"ok":true}` {
		t.Fatalf("Offline repeat body is %s", body)
	}
	if hits["/data.json"] != 1 {
		t.Fatalf("Origin hit %d times", hits["/data.json"])
	}
}

func TestDoesNotCacheNon200(t *testing.T) {
	origin := newOrigin(nil)
	defer origin.Close()
	c := cache.NewMemCache()
	a := newTestAgent(t, c, origin.URL, func(config *Config) {
		config.Precache = nil
	})
	if err := a.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	a.ServeHTTP(rr, httptest.NewRequest("GET", "/nope.html", nil))
	a.Wait()

	if rr.Code != http.StatusNotFound {
		t.Fatalf("Status is %d", rr.Code)
	}
	if _, ok, _ := c.Match("snt-tools-v1", "GET:/nope.html"); ok {
		t.Fatal("Error response must not be cached")
	}
}

func TestActivateDeletesStaleGenerations(t *testing.T) {
	origin := newOrigin(nil)
	defer origin.Close()
	c := cache.NewMemCache()
	if err := c.Put("snt-tools-v0", "GET:/index.html", []byte("stale")); err != nil {
		t.Fatal(err)
	}
	a := newTestAgent(t, c, origin.URL, nil)

	if err := a.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	stores, err := c.Stores()
	if err != nil {
		t.Fatal(err)
	}
	if len(stores) != 1 || stores[0] != "snt-tools-v1" {
		t.Fatalf("Stores after activation: %v", stores)
	}
}

func TestClearCacheFallsThroughAndRepopulates(t *testing.T) {
	hits := map[string]int{}
	origin := newOrigin(hits)
	defer origin.Close()
	c := cache.NewMemCache()
	a := newTestAgent(t, c, origin.URL, func(config *Config) {
		config.Precache = nil
	})
	if err := a.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	a.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/data.json", nil))
	a.Wait()

	a.HandleMessage(context.Background(), Message{Type: MessageClearCache})
	if _, ok, _ := c.Match("snt-tools-v1", "GET:/data.json"); ok {
		t.Fatal("Expected cache to be empty after CLEAR_CACHE")
	}

	a.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/data.json", nil))
	a.Wait()

	if hits["/data.json"] != 2 {
		t.Fatalf("Origin hit %d times, expected a fresh fetch after clear", hits["/data.json"])
	}
	if _, ok, _ := c.Match("snt-tools-v1", "GET:/data.json"); !ok {
		t.Fatal("Expected cache to repopulate after clear")
	}
}

// TestBypassPassesThroughUntouched checks that requests for disallowed
// third-party hosts are forwarded verbatim: no agent headers, no cache
// reads or writes.
func TestBypassPassesThroughUntouched(t *testing.T) {
	origin := newOrigin(nil)
	defer origin.Close()
	thirdParty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("embedded tool"))
	}))
	defer thirdParty.Close()
	thirdPartyURL, _ := url.Parse(thirdParty.URL)

	c := cache.NewMemCache()
	a := newTestAgent(t, c, origin.URL, func(config *Config) {
		config.Precache = nil
		config.BypassDomains = []string{thirdPartyURL.Hostname()}
	})
	if err := a.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	a.ServeHTTP(rr, httptest.NewRequest("GET", thirdParty.URL+"/tool", nil))
	a.Wait()

	if rr.Code != http.StatusOK {
		t.Fatalf("Status is %d", rr.Code)
	}
	if body := rr.Body.String(); body != "embedded tool" {
		t.Fatalf("Body is %s", body)
	}
	if cs := rr.Header().Get("Cache-Status"); cs != "" {
		t.Fatalf("Bypass must not add Cache-Status, got %q", cs)
	}
	found := false
	c.Keys("snt-tools-v1", func(string) { found = true })
	if found {
		t.Fatal("Bypass must not write to the cache")
	}
}

// TestAllowedExternalOriginNeverStored checks that exempted external hosts
// are fetched through the agent but their responses stay out of the
// persistent store.
func TestAllowedExternalOriginNeverStored(t *testing.T) {
	origin := newOrigin(nil)
	defer origin.Close()
	fonts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("@font-face {}"))
	}))
	defer fonts.Close()
	fontsURL, _ := url.Parse(fonts.URL)

	c := cache.NewMemCache()
	a := newTestAgent(t, c, origin.URL, func(config *Config) {
		config.Precache = nil
		config.AllowedOrigins = []string{fontsURL.Hostname()}
	})
	if err := a.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	a.ServeHTTP(rr, httptest.NewRequest("GET", fonts.URL+"/css", nil))
	a.Wait()

	if rr.Code != http.StatusOK {
		t.Fatalf("Status is %d", rr.Code)
	}
	found := false
	c.Keys("snt-tools-v1", func(key string) { found = true })
	if found {
		t.Fatal("Allowed external origins must never be written to the store")
	}
}

// TestOtherPortIsDifferentOrigin checks that the same hostname on another
// port counts as a foreign origin: the request is passed through untouched
// and nothing is persisted.
func TestOtherPortIsDifferentOrigin(t *testing.T) {
	origin := newOrigin(nil)
	defer origin.Close()
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("other origin"))
	}))
	defer other.Close()

	c := cache.NewMemCache()
	a := newTestAgent(t, c, origin.URL, func(config *Config) {
		config.Precache = nil
	})
	if err := a.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	// same loopback hostname as the origin, different port
	rr := httptest.NewRecorder()
	a.ServeHTTP(rr, httptest.NewRequest("GET", other.URL+"/index.html", nil))
	a.Wait()

	if rr.Code != http.StatusOK {
		t.Fatalf("Status is %d", rr.Code)
	}
	if body := rr.Body.String(); body != "other origin" {
		t.Fatalf("Body is %s", body)
	}
	if cs := rr.Header().Get("Cache-Status"); cs != "" {
		t.Fatalf("Foreign origin must not be intercepted, got Cache-Status %q", cs)
	}
	found := false
	c.Keys("snt-tools-v1", func(string) { found = true })
	if found {
		t.Fatal("Foreign origin response must not be written to the store")
	}
}

func TestPostIsNeverCached(t *testing.T) {
	count := 0
	mux := chi.NewRouter()
	mux.Post("/submit", func(w http.ResponseWriter, r *http.Request) {
		count++
		w.Write([]byte(fmt.Sprintf("submission %d", count)))
	})
	origin := httptest.NewServer(mux)
	defer origin.Close()

	c := cache.NewMemCache()
	a := newTestAgent(t, c, origin.URL, func(config *Config) {
		config.Precache = nil
	})
	if err := a.Install(context.Background()); err != nil {
		t.Fatal(err)
	}

	a.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/submit", nil))
	rr := httptest.NewRecorder()
	a.ServeHTTP(rr, httptest.NewRequest("POST", "/submit", nil))
	a.Wait()

	if count != 2 {
		t.Fatalf("Origin handled %d POSTs", count)
	}
	if body := rr.Body.String(); body != "submission 2" {
		t.Fatalf("Body is %s", body)
	}
}
