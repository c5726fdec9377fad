package staticgate

import (
	"fmt"
	"net/http"

	cachekey "github.com/staticgate/staticgate/pkg/cache-key"
	ruletable "github.com/staticgate/staticgate/pkg/rule-table"
	tryfiles "github.com/staticgate/staticgate/pkg/try-files"
)

type action int

const (
	actionForward action = iota
	actionStatic
	actionDeny
	actionRedirect
	actionStatus
)

func (a action) String() string {
	switch a {
	case actionForward:
		return "forward"
	case actionStatic:
		return "static"
	case actionDeny:
		return "deny"
	case actionRedirect:
		return "redirect"
	case actionStatus:
		return "status"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// decision is the outcome of one dispatch: the terminal state of the
// per-request state machine plus whatever the byte-transfer step
// needs to execute it.
type decision struct {
	action   action
	location *ruletable.Location
	target   tryfiles.Target
	redirect string
}

// dispatch matches the request against the rule table and runs the
// matched location's directives to a terminal decision.
//
// Per location: deny wins over everything. A redirect directive is
// next, evaluated before guards. Then the guards run in order; the
// first one that trips re-enters dispatch at its named fallback
// location. Otherwise the location's try-files chain resolves against
// the artifact store.
//
// The only errors are configuration errors: a table with no matching
// default location, or a guard fallback chain revisiting a location
// already visited in this dispatch.
func (g *Gateway) dispatch(r *http.Request) (decision, error) {
	res, err := g.table.Match(r.URL.Path)
	if err != nil {
		return decision{}, err
	}
	return g.dispatchLocation(res, r, make(map[*ruletable.Location]bool))
}

func (g *Gateway) dispatchLocation(res ruletable.MatchResult, r *http.Request, visited map[*ruletable.Location]bool) (decision, error) {
	loc := res.Location
	if visited[loc] {
		return decision{}, &ruletable.ConfigError{
			Reason: fmt.Sprintf("guard fallback cycle through location %q", loc.Name),
		}
	}
	visited[loc] = true

	if loc.Deny {
		return decision{action: actionDeny, location: loc}, nil
	}
	if loc.RedirectTo != "" {
		return decision{
			action:   actionRedirect,
			location: loc,
			redirect: tryfiles.Expand(loc.RedirectTo, g.varsFor(r, res)),
		}, nil
	}
	if fallback := ruletable.Evaluate(loc, r); fallback != "" {
		next, ok := g.table.Lookup(fallback)
		if !ok {
			// ruled out at table compile time
			return decision{}, &ruletable.ConfigError{
				Reason: fmt.Sprintf("guard fallback %q does not exist", fallback),
			}
		}
		g.log.Trace().
			Str("location", loc.Pattern).
			Str("fallback", fallback).
			Msg("Guard tripped, re-dispatching")
		return g.dispatchLocation(ruletable.MatchResult{Location: next}, r, visited)
	}

	target := g.prober.Resolve(loc.TryFiles, g.varsFor(r, res))
	d := decision{location: loc, target: target}
	switch target.Kind {
	case tryfiles.StaticFile:
		d.action = actionStatic
	case tryfiles.Forward:
		d.action = actionForward
	case tryfiles.Status:
		d.action = actionStatus
	}
	return d, nil
}

// varsFor builds the template expansion variables for a request and
// its match result.
func (g *Gateway) varsFor(r *http.Request, res ruletable.MatchResult) tryfiles.Vars {
	return tryfiles.Vars{
		Host:     cachekey.Host(r.Host),
		URI:      r.URL.Path,
		CacheKey: g.keyer.ForRequest(r),
		Captures: res.Captures,
	}
}
