package authz

import (
	"net/http"

	"github.com/platinummonkey/beacon/pkg/httputil"
)

// Middleware resolves the caller through an Authorizer and stores the
// principal in the request context
func Middleware(a Authorizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := a.Identify(r)
			if err != nil {
				httputil.WriteUnauthorized(w, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireCapability rejects callers that lack c with 403
func RequireCapability(a Authorizer, c Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := FromContext(r.Context())
			if err := Require(r.Context(), a, p, c); err != nil {
				httputil.WriteForbidden(w, err.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
