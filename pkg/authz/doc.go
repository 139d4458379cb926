// Package authz is the boundary to the external authorization system.
//
// The pipeline does not resolve roles itself. An Authorizer identifies the
// caller of a request and answers capability checks; HeaderAuthorizer trusts
// identity headers injected by a gateway that already authenticated the
// caller. Handlers read the resulting Principal from the request context:
//
//	router.Use(authz.Middleware(authorizer))
//	p := authz.FromContext(r.Context())
//	if p.Privileged() {
//		// system-wide reads allowed
//	}
package authz
