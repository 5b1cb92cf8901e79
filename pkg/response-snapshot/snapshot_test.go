package snapshot

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testResponse(t *testing.T) *http.Response {
	t.Helper()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html>hello</html>"))
	}))
	t.Cleanup(origin.Close)
	res, err := http.Get(origin.URL)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func TestSnapshotRoundTrip(t *testing.T) {
	res := testResponse(t)

	bts, err := FromResponse(res).Bytes()
	if err != nil {
		t.Fatal(err)
	}
	snap, err := FromBytes(bts)
	if err != nil {
		t.Fatal(err)
	}

	if snap.Response.StatusCode != http.StatusOK {
		t.Fatalf("Status is %d", snap.Response.StatusCode)
	}
	if ct := snap.Response.Header.Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Fatalf("Content-Type is %q", ct)
	}
	body, err := io.ReadAll(snap.Response.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "<html>hello</html>" {
		t.Fatalf("Body is %s", body)
	}
	if snap.StoredAt.IsZero() {
		t.Fatal("StoredAt not preserved")
	}
	if got := snap.Response.Header.Get("Offline-Agent-Stored-At"); got != "" {
		t.Fatal("Internal stored-at header leaked into decoded response")
	}
}

// TestBodyRestoredAfterEncode checks that encoding a snapshot leaves the
// original response usable: the body must still be readable, so the same
// response can be sent to the client after being written to the store.
func TestBodyRestoredAfterEncode(t *testing.T) {
	res := testResponse(t)

	if _, err := FromResponse(res).Bytes(); err != nil {
		t.Fatal(err)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "<html>hello</html>" {
		t.Fatalf("Body after encode is %s", body)
	}
	if res.Header.Get("Offline-Agent-Stored-At") != "" {
		t.Fatal("Internal header left on original response")
	}
}
