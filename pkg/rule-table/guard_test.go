package ruletable

import (
	"net/http"
	"testing"
)

func makeRequest(t *testing.T, method, target string) *http.Request {
	t.Helper()
	r, err := http.NewRequest(method, target, nil)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func compileGuards(t *testing.T, guards []Guard) *Location {
	t.Helper()
	loc := &Location{Pattern: "/", Guards: guards}
	if err := loc.compile(); err != nil {
		t.Fatalf("guards did not compile: %v", err)
	}
	return loc
}

func TestQueryGuard(t *testing.T) {
	loc := compileGuards(t, []Guard{{Kind: GuardQuery, Fallback: "@backend"}})
	if got := Evaluate(loc, makeRequest(t, "GET", "/news?id=1")); got != "@backend" {
		t.Fatalf("outcome is %q", got)
	}
	if got := Evaluate(loc, makeRequest(t, "GET", "/news")); got != "" {
		t.Fatalf("outcome is %q", got)
	}
}

func TestCookieGuardMatchesAlternation(t *testing.T) {
	loc := compileGuards(t, []Guard{{
		Kind:     GuardCookie,
		Pattern:  "be_typo_user|nc_staticfilecache",
		Fallback: "@backend",
	}})

	r := makeRequest(t, "GET", "/news")
	r.AddCookie(&http.Cookie{Name: "be_typo_user", Value: "1"})
	if got := Evaluate(loc, r); got != "@backend" {
		t.Fatalf("outcome is %q", got)
	}

	r = makeRequest(t, "GET", "/news")
	r.AddCookie(&http.Cookie{Name: "session", Value: "abc"})
	if got := Evaluate(loc, r); got != "" {
		t.Fatalf("outcome is %q", got)
	}

	// the pattern is anchored: a name merely containing it must not trip
	r = makeRequest(t, "GET", "/news")
	r.AddCookie(&http.Cookie{Name: "xbe_typo_userx", Value: "1"})
	if got := Evaluate(loc, r); got != "" {
		t.Fatalf("outcome is %q", got)
	}
}

func TestMethodGuard(t *testing.T) {
	loc := compileGuards(t, []Guard{{
		Kind:     GuardMethod,
		Allow:    []string{"GET", "HEAD"},
		Fallback: "@backend",
	}})
	if got := Evaluate(loc, makeRequest(t, "POST", "/news")); got != "@backend" {
		t.Fatalf("outcome is %q", got)
	}
	if got := Evaluate(loc, makeRequest(t, "HEAD", "/news")); got != "" {
		t.Fatalf("outcome is %q", got)
	}
}

func TestHeaderGuardComparesCaseInsensitively(t *testing.T) {
	loc := compileGuards(t, []Guard{{
		Kind:     GuardHeader,
		Header:   "Pragma",
		Value:    "no-cache",
		Fallback: "@backend",
	}})

	r := makeRequest(t, "GET", "/news")
	r.Header.Set("Pragma", "No-Cache")
	if got := Evaluate(loc, r); got != "@backend" {
		t.Fatalf("outcome is %q", got)
	}
	if got := Evaluate(loc, makeRequest(t, "GET", "/news")); got != "" {
		t.Fatalf("outcome is %q", got)
	}
}

func TestFirstTrippedGuardWins(t *testing.T) {
	loc := compileGuards(t, []Guard{
		{Kind: GuardQuery, Fallback: "@first"},
		{Kind: GuardMethod, Allow: []string{"GET"}, Fallback: "@second"},
	})
	// both guards would trip; declaration order decides
	if got := Evaluate(loc, makeRequest(t, "POST", "/news?id=1")); got != "@first" {
		t.Fatalf("outcome is %q", got)
	}
	if got := Evaluate(loc, makeRequest(t, "POST", "/news")); got != "@second" {
		t.Fatalf("outcome is %q", got)
	}
}
