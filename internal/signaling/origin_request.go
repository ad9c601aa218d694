package signaling

import (
	"net/http"

	"github.com/wilsonzlin/aero/proxy/voice-signal-relay/internal/origin"
)

// checkOrigin is the upgrader's origin hook.
//
// Requests without an Origin header come from native game clients and are
// accepted. Browser requests must carry exactly one valid Origin that the
// allow list (or the same-host default) admits.
func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		values := r.Header.Values("Origin")
		switch len(values) {
		case 0:
			return true
		case 1:
		default:
			return false
		}

		normalized, host, ok := origin.NormalizeHeader(values[0])
		if !ok {
			return false
		}
		return origin.IsAllowed(normalized, host, r.Host, allowed)
	}
}
