// Package auth authenticates admin API requests and attaches the verified
// user and tenant to the request context.
//
// Two verifiers are provided. OIDCVerifier checks bearer ID tokens against an
// OpenID Connect provider and reads the user and tenant ids from configurable
// claims. HeaderVerifier trusts X-User-ID and X-Tenant-ID set by a fronting
// proxy.
//
//	verifier, err := auth.NewOIDCVerifier(ctx, auth.OIDCConfig{
//		IssuerURL: "https://login.example.com",
//		ClientID:  "tenantguard",
//	})
//	router.Use(auth.Middleware(verifier, logger))
//
// Downstream handlers read the principal with contextkeys.PrincipalFrom.
package auth
