package staticgate

import (
	"crypto/tls"
	"io"
	"mime"
	"net/http"
	"net/http/httputil"
	"net/url"
	"path"
	"strings"

	"github.com/rs/zerolog"

	cachekey "github.com/staticgate/staticgate/pkg/cache-key"
	ruletable "github.com/staticgate/staticgate/pkg/rule-table"
	tryfiles "github.com/staticgate/staticgate/pkg/try-files"
	"github.com/staticgate/staticgate/store"
)

// Options configures a Gateway instance.
type Options struct {
	// Compiled rule table. Required.
	Table *ruletable.Table
	// Artifact storage written by the external cache populator.
	// Required.
	Store store.ArtifactStore
	// URL of the backend application.
	BackendURL url.URL
	// Hostname to use for backend requests and TLS negotiation.
	// Use if needed if e.g. the backend URL is just an IP address.
	BackendHost string
	// Artifact name for directory-like cache keys. index.html if
	// empty.
	Index string
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Gateway is the request-routing and static-cache engine. It
// implements http.Handler and decides, once per request, between
// denying, redirecting, serving a cached artifact and forwarding to
// the backend. All state is immutable after creation, so a single
// Gateway serves concurrent requests without locking.
type Gateway struct {
	table        *ruletable.Table
	store        store.ArtifactStore
	keyer        cachekey.CacheKeyer
	prober       tryfiles.Prober
	log          zerolog.Logger
	reverseproxy httputil.ReverseProxy
}

// CreateGateway initializes a gateway from compiled options.
func CreateGateway(opts Options) *Gateway {
	// use console logger if not specified in options
	var logger zerolog.Logger
	if opts.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *opts.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("backend", opts.BackendURL.String()).
		Logger()

	g := &Gateway{
		table:  opts.Table,
		store:  opts.Store,
		keyer:  cachekey.CacheKeyer{Index: opts.Index},
		prober: tryfiles.Prober{Store: opts.Store},
		log:    logger,
	}

	host := opts.BackendURL.Host
	hostHeader := host
	transport := http.DefaultTransport
	if opts.BackendHost != "" {
		hostHeader = opts.BackendHost
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: opts.BackendHost,
			},
		}
	}

	g.reverseproxy = httputil.ReverseProxy{
		Director:  createDirector(opts.BackendURL.Scheme, host, hostHeader),
		Transport: transport,
	}

	return g
}

// ServeHTTP implements the http.Handler interface: one dispatch
// decision per request, then the matching byte transfer.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d, err := g.dispatch(r)
	if err != nil {
		// only a malformed rule table can get us here
		g.log.Error().Err(err).Str("url", r.URL.String()).Msg("Dispatch failed")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	g.logRequest(r, d)

	switch d.action {
	case actionDeny:
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	case actionRedirect:
		http.Redirect(w, r, d.redirect, http.StatusMovedPermanently)
	case actionStatus:
		w.WriteHeader(d.target.Status)
	case actionStatic:
		g.serveArtifact(w, r, d)
	case actionForward:
		g.forward(w, r)
	}
}

// serveArtifact writes a cached artifact to the client with the
// matched location's expiry annotation. An artifact that disappeared
// between probe and open is an ordinary cache miss: the request falls
// through to the backend.
func (g *Gateway) serveArtifact(w http.ResponseWriter, r *http.Request, d decision) {
	body, info, err := g.store.Open(d.target.Path)
	if err != nil {
		g.log.Debug().Err(err).Str("key", d.target.Path).Msg("Artifact vanished, forwarding")
		g.forward(w, r)
		return
	}
	defer body.Close()

	if ct := mime.TypeByExtension(path.Ext(d.target.Path)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if !info.ModTime.IsZero() {
		w.Header().Set("Last-Modified", info.ModTime.UTC().Format(http.TimeFormat))
	}
	setExpiry(w.Header(), d.location.Expires)
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}
	bytesWritten, err := io.Copy(w, body)
	if err != nil {
		g.log.Error().Err(err).Msg("Could not write artifact body to client")
	}
	g.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func (g *Gateway) forward(w http.ResponseWriter, r *http.Request) {
	g.log.Trace().Msgf("forwarding %s", r.URL.String())
	g.reverseproxy.ServeHTTP(w, r)
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

func (g *Gateway) logRequest(r *http.Request, d decision) {
	isHit := 0
	if d.action == actionStatic {
		isHit = 1
	}
	g.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("location", d.location.Pattern).
		Str("action", d.action.String()).
		Str("key", d.target.Path).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	ip := ipAndPort[:portSepIdx]
	return ip
}
