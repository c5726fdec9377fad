package cachekey

import (
	"net/http"
	"path"
	"strings"
)

// DefaultIndex is the artifact name appended when a request path
// denotes a directory-like location.
const DefaultIndex = "index.html"

// CacheKeyer derives cache-root-relative artifact paths from request
// identity. Keys depend only on host and path: the query string never
// participates (query-carrying requests are routed to the backend by
// the rule table's guards, never cached).
type CacheKeyer struct {
	// Artifact name appended for directory-like paths. DefaultIndex
	// if empty.
	Index string
}

func NewCacheKeyer() CacheKeyer {
	return CacheKeyer{Index: DefaultIndex}
}

// ForRequest returns the cache key for a request. Equivalent to
// For(r.Host, r.URL.Path).
func (c CacheKeyer) ForRequest(r *http.Request) string {
	return c.For(r.Host, r.URL.Path)
}

// For builds the key for a host and request path. The key is a
// relative path: lower-cased host (port stripped) joined with the
// cleaned request path, with the index artifact name appended when
// the path is directory-like. Identical (host, path) pairs always
// yield identical keys.
func (c CacheKeyer) For(host, requestPath string) string {
	index := c.Index
	if index == "" {
		index = DefaultIndex
	}
	if requestPath == "" {
		requestPath = "/"
	}
	dirLike := strings.HasSuffix(requestPath, "/")
	cleaned := path.Clean("/" + requestPath)
	if dirLike || cleaned == "/" || !strings.Contains(path.Base(cleaned), ".") {
		cleaned = strings.TrimSuffix(cleaned, "/") + "/" + index
	}
	return Host(host) + cleaned
}

// Host normalizes a request host for use as the leading key segment:
// lower-cased, port removed.
func Host(host string) string {
	host = strings.ToLower(host)
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" {
		host = "_"
	}
	return host
}
