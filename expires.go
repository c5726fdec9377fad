package staticgate

import (
	"fmt"
	"net/http"
	"time"

	ruletable "github.com/staticgate/staticgate/pkg/rule-table"
)

// foreverMaxAge is the max-age emitted for the "max" expiry sentinel:
// ten years, the conventional upper bound.
const foreverMaxAge = 315360000

// foreverDate is the fixed far-future Expires date paired with the
// "max" sentinel.
var foreverDate = time.Date(2037, time.December, 31, 23, 55, 55, 0, time.UTC)

// setExpiry annotates a response with Expires and Cache-Control
// headers derived from a location's expiry directive. An unset expiry
// leaves the headers alone.
func setExpiry(h http.Header, e ruletable.Expires) {
	switch e {
	case ruletable.ExpiresOff:
	case ruletable.ExpiresMax:
		h.Set("Expires", foreverDate.Format(http.TimeFormat))
		h.Set("Cache-Control", fmt.Sprintf("max-age=%d", foreverMaxAge))
	default:
		h.Set("Expires", time.Now().Add(time.Duration(e)*time.Second).UTC().Format(http.TimeFormat))
		h.Set("Cache-Control", fmt.Sprintf("max-age=%d", int(e)))
	}
}
