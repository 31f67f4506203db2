package requestid

import (
	"net/http"
	"regexp"

	"github.com/google/uuid"
)

// Header carries the request id in both directions
const Header = "X-Request-ID"

var validID = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// Middleware reuses a well formed X-Request-ID from the client or generates one,
// echoes it in the response and stores it in the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(Header)
		if !validID.MatchString(id) {
			id = uuid.NewString()
		}
		w.Header().Set(Header, id)
		next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), id)))
	})
}
