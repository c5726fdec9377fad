package staticgate

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	ruletable "github.com/staticgate/staticgate/pkg/rule-table"
	"github.com/staticgate/staticgate/store"
)

// testTable is a typical static-cache rule table: cache-backed "/",
// an asset area that skips regex rules, a denied area and a legacy
// redirect.
func testTable(t *testing.T) *ruletable.Table {
	t.Helper()
	table, err := ruletable.New([]*ruletable.Location{
		{
			Pattern: "/",
			Expires: 3600,
			Guards: []ruletable.Guard{
				{Kind: ruletable.GuardQuery, Fallback: "@backend"},
				{Kind: ruletable.GuardCookie, Pattern: "be_typo_user|nc_staticfilecache", Fallback: "@backend"},
				{Kind: ruletable.GuardMethod, Allow: []string{"GET", "HEAD"}, Fallback: "@backend"},
				{Kind: ruletable.GuardHeader, Header: "Pragma", Value: "no-cache", Fallback: "@backend"},
			},
			TryFiles: []string{"$cache_key", "@backend"},
		},
		{
			Name:     "@backend",
			TryFiles: []string{"$uri", "$uri/", "@backend"},
		},
		{
			Match:    "prefix-stop",
			Pattern:  "/assets",
			Expires:  ruletable.ExpiresMax,
			TryFiles: []string{"$host$uri", "=404"},
		},
		{
			Pattern: "/internal",
			Deny:    true,
			Guards: []ruletable.Guard{
				{Kind: ruletable.GuardQuery, Fallback: "@backend"},
			},
		},
		{
			Pattern:    "/old",
			RedirectTo: "/new$uri",
			Guards: []ruletable.Guard{
				{Kind: ruletable.GuardQuery, Fallback: "@backend"},
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return table
}

// testBackend is an origin that records the URIs it serves.
func testBackend(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var seen []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.URL.RequestURI())
		w.Write([]byte("dynamic"))
	}))
	t.Cleanup(ts.Close)
	return ts, &seen
}

func testGateway(t *testing.T, s store.ArtifactStore) (*Gateway, *[]string) {
	t.Helper()
	backend, seen := testBackend(t)
	backendURL, err := url.Parse(backend.URL)
	if err != nil {
		t.Fatal(err)
	}
	return CreateGateway(Options{
		Table:      testTable(t),
		Store:      s,
		BackendURL: *backendURL,
	}), seen
}

func TestServesCachedArtifact(t *testing.T) {
	s := store.NewMemStore()
	s.Put("example.com/news/index.html", []byte("<html>cached news</html>"))
	g, seen := testGateway(t, s)

	rr := httptest.NewRecorder()
	g.ServeHTTP(rr, httptest.NewRequest("GET", "http://example.com/news", nil))

	res := rr.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status is %d", res.StatusCode)
	}
	if body, _ := io.ReadAll(res.Body); string(body) != "<html>cached news</html>" {
		t.Fatalf("body is %s", body)
	}
	if cc := res.Header.Get("Cache-Control"); cc != "max-age=3600" {
		t.Fatalf("Cache-Control is %q", cc)
	}
	if res.Header.Get("Expires") == "" {
		t.Fatal("Expires header missing")
	}
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("Content-Type is %q", ct)
	}
	if len(*seen) != 0 {
		t.Fatalf("backend was reached: %v", *seen)
	}
}

func TestCookieGuardForwardsWithOriginalUri(t *testing.T) {
	s := store.NewMemStore()
	s.Put("example.com/news/index.html", []byte("cached"))
	g, seen := testGateway(t, s)

	req := httptest.NewRequest("GET", "http://example.com/news", nil)
	req.AddCookie(&http.Cookie{Name: "be_typo_user", Value: "1"})
	rr := httptest.NewRecorder()
	g.ServeHTTP(rr, req)

	if body, _ := io.ReadAll(rr.Result().Body); string(body) != "dynamic" {
		t.Fatalf("body is %s", body)
	}
	if len(*seen) != 1 || (*seen)[0] != "/news" {
		t.Fatalf("backend saw %v", *seen)
	}
}

func TestQueryStringForwards(t *testing.T) {
	s := store.NewMemStore()
	s.Put("example.com/news/index.html", []byte("cached"))
	g, seen := testGateway(t, s)

	rr := httptest.NewRecorder()
	g.ServeHTTP(rr, httptest.NewRequest("GET", "http://example.com/news?id=1", nil))

	if body, _ := io.ReadAll(rr.Result().Body); string(body) != "dynamic" {
		t.Fatalf("body is %s", body)
	}
	if len(*seen) != 1 || (*seen)[0] != "/news?id=1" {
		t.Fatalf("backend saw %v", *seen)
	}
}

func TestDisallowedMethodForwards(t *testing.T) {
	s := store.NewMemStore()
	s.Put("example.com/news/index.html", []byte("cached"))
	g, seen := testGateway(t, s)

	rr := httptest.NewRecorder()
	g.ServeHTTP(rr, httptest.NewRequest("POST", "http://example.com/news", nil))

	if len(*seen) != 1 {
		t.Fatalf("backend saw %v", *seen)
	}
	if rr.Result().StatusCode != http.StatusOK {
		t.Fatalf("status is %d", rr.Result().StatusCode)
	}
}

func TestDenyWinsOverGuardsAndCache(t *testing.T) {
	s := store.NewMemStore()
	s.Put("example.com/internal/index.html", []byte("cached"))
	g, seen := testGateway(t, s)

	// query string would trip the guard, deny still wins
	rr := httptest.NewRecorder()
	g.ServeHTTP(rr, httptest.NewRequest("GET", "http://example.com/internal?x=1", nil))

	if rr.Result().StatusCode != http.StatusForbidden {
		t.Fatalf("status is %d", rr.Result().StatusCode)
	}
	if len(*seen) != 0 {
		t.Fatalf("backend was reached: %v", *seen)
	}
}

func TestRedirectIsEvaluatedBeforeGuards(t *testing.T) {
	g, seen := testGateway(t, store.NewMemStore())

	rr := httptest.NewRecorder()
	g.ServeHTTP(rr, httptest.NewRequest("GET", "http://example.com/old/page?x=1", nil))

	res := rr.Result()
	if res.StatusCode != http.StatusMovedPermanently {
		t.Fatalf("status is %d", res.StatusCode)
	}
	if loc := res.Header.Get("Location"); loc != "/new/old/page" {
		t.Fatalf("Location is %q", loc)
	}
	if len(*seen) != 0 {
		t.Fatalf("backend was reached: %v", *seen)
	}
}

func TestPrefixStopAreaMissesWithFixedStatus(t *testing.T) {
	g, seen := testGateway(t, store.NewMemStore())

	rr := httptest.NewRecorder()
	g.ServeHTTP(rr, httptest.NewRequest("GET", "http://example.com/assets/app.css", nil))

	if rr.Result().StatusCode != http.StatusNotFound {
		t.Fatalf("status is %d", rr.Result().StatusCode)
	}
	if len(*seen) != 0 {
		t.Fatalf("backend was reached: %v", *seen)
	}
}

func TestPrefixStopAreaServesWithMaxExpiry(t *testing.T) {
	s := store.NewMemStore()
	s.Put("example.com/assets/app.css", []byte("body{}"))
	g, _ := testGateway(t, s)

	rr := httptest.NewRecorder()
	g.ServeHTTP(rr, httptest.NewRequest("GET", "http://example.com/assets/app.css", nil))

	res := rr.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status is %d", res.StatusCode)
	}
	if cc := res.Header.Get("Cache-Control"); cc != "max-age=315360000" {
		t.Fatalf("Cache-Control is %q", cc)
	}
	if !strings.Contains(res.Header.Get("Expires"), "2037") {
		t.Fatalf("Expires is %q", res.Header.Get("Expires"))
	}
}

func TestHeadRequestOmitsBody(t *testing.T) {
	s := store.NewMemStore()
	s.Put("example.com/news/index.html", []byte("cached"))
	g, _ := testGateway(t, s)

	rr := httptest.NewRecorder()
	g.ServeHTTP(rr, httptest.NewRequest("HEAD", "http://example.com/news", nil))

	if rr.Result().StatusCode != http.StatusOK {
		t.Fatalf("status is %d", rr.Result().StatusCode)
	}
	if rr.Body.Len() != 0 {
		t.Fatalf("body is %s", rr.Body.String())
	}
}

// unopenableStore reports artifacts as existing but fails to open
// them, simulating an artifact invalidated between probe and read.
type unopenableStore struct {
	store.MemStore
}

func (s unopenableStore) Open(key string) (io.ReadCloser, store.Info, error) {
	return nil, store.Info{}, store.ErrNotExist
}

func TestVanishedArtifactFallsThroughToBackend(t *testing.T) {
	s := unopenableStore{MemStore: store.NewMemStore()}
	s.Put("example.com/news/index.html", []byte("cached"))
	g, seen := testGateway(t, s)

	rr := httptest.NewRecorder()
	g.ServeHTTP(rr, httptest.NewRequest("GET", "http://example.com/news", nil))

	if body, _ := io.ReadAll(rr.Result().Body); string(body) != "dynamic" {
		t.Fatalf("body is %s", body)
	}
	if len(*seen) != 1 {
		t.Fatalf("backend saw %v", *seen)
	}
}

func TestBackendHostOverride(t *testing.T) {
	var gotHost string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		w.Write([]byte("dynamic"))
	}))
	defer backend.Close()
	backendURL, _ := url.Parse(backend.URL)

	g := CreateGateway(Options{
		Table:       testTable(t),
		Store:       store.NewMemStore(),
		BackendURL:  *backendURL,
		BackendHost: "origin.internal",
	})

	rr := httptest.NewRecorder()
	g.ServeHTTP(rr, httptest.NewRequest("GET", "http://example.com/news?x=1", nil))

	if gotHost != "origin.internal" {
		t.Fatalf("backend host is %q", gotHost)
	}
}

func TestDispatchDetectsRuntimeCycle(t *testing.T) {
	g, _ := testGateway(t, store.NewMemStore())
	res, err := g.table.Match("/news")
	if err != nil {
		t.Fatal(err)
	}
	visited := map[*ruletable.Location]bool{res.Location: true}
	_, err = g.dispatchLocation(res, httptest.NewRequest("GET", "http://example.com/news", nil), visited)
	var cfgErr *ruletable.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error is %v", err)
	}
}
