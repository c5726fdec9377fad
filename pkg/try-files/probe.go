package tryfiles

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/staticgate/staticgate/store"
)

// Kind says how a resolved target must be served.
type Kind int

const (
	// StaticFile is an artifact to serve from the store.
	StaticFile Kind = iota
	// Forward sends the request to the backend application.
	Forward
	// Status is a synthetic fixed-status response.
	Status
)

func (k Kind) String() string {
	switch k {
	case StaticFile:
		return "static"
	case Forward:
		return "forward"
	case Status:
		return "status"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Target is the outcome of try-files resolution.
type Target struct {
	Kind Kind
	// Path is the store key for StaticFile targets and the request
	// URI to pass to the backend for Forward targets.
	Path string
	// Name is the "@name" of the terminal template for Forward
	// targets, if any.
	Name string
	// Status is the response code for Status targets.
	Status int
}

// Vars parameterizes template expansion for one request.
type Vars struct {
	Host     string
	URI      string
	CacheKey string
	// Regex capture groups from the matched location; Captures[0] is
	// the whole match.
	Captures []string
}

var varPattern = regexp.MustCompile(`\$(cache_key|host|uri|[1-9])`)

// Expand substitutes $host, $uri, $cache_key and $1..$9 in a
// template. Unknown variables are left untouched.
func Expand(template string, v Vars) string {
	return varPattern.ReplaceAllStringFunc(template, func(m string) string {
		switch m[1:] {
		case "cache_key":
			return v.CacheKey
		case "host":
			return v.Host
		case "uri":
			return v.URI
		}
		n := int(m[1] - '0')
		if n < len(v.Captures) {
			return v.Captures[n]
		}
		return ""
	})
}

// CheckTemplates validates a try-files list at configuration time.
// The only template shapes that need checking are terminal "=NNN"
// status templates.
func CheckTemplates(templates []string) error {
	for _, tmpl := range templates {
		if strings.HasPrefix(tmpl, "=") {
			if _, err := strconv.Atoi(tmpl[1:]); err != nil {
				return fmt.Errorf("bad status template %q", tmpl)
			}
		}
	}
	return nil
}

// Prober resolves an ordered try-files list against the artifact
// store.
type Prober struct {
	Store store.ArtifactStore
}

// Resolve expands each template with the request's variables and
// probes the store, in order, for every template but the last. The
// first existing artifact wins. The last template is terminal and is
// never probed, so resolution always ends in a defined outcome:
// "@name" forwards to the backend with the original URI, "=NNN"
// produces a synthetic status, and anything else is served as a
// static artifact unconditionally. An empty list forwards.
//
// Store errors during probing are treated as misses: a momentarily
// unreadable artifact falls through toward the backend, it does not
// fail the request.
func (p Prober) Resolve(templates []string, v Vars) Target {
	if len(templates) == 0 {
		return Target{Kind: Forward, Path: v.URI}
	}
	for _, tmpl := range templates[:len(templates)-1] {
		key := Expand(tmpl, v)
		ok, err := p.Store.Exists(key)
		if err != nil {
			log.Debug().Err(err).Str("key", key).Msg("Probe failed, treating as miss")
			continue
		}
		log.Trace().Str("key", key).Bool("exists", ok).Msg("Probed candidate")
		if ok {
			return Target{Kind: StaticFile, Path: key}
		}
	}
	terminal := templates[len(templates)-1]
	switch {
	case strings.HasPrefix(terminal, "@"):
		return Target{Kind: Forward, Path: v.URI, Name: terminal}
	case strings.HasPrefix(terminal, "="):
		code, err := strconv.Atoi(terminal[1:])
		if err != nil {
			// rejected by CheckTemplates at load time; fail closed
			code = 500
		}
		return Target{Kind: Status, Status: code}
	default:
		return Target{Kind: StaticFile, Path: Expand(terminal, v)}
	}
}
