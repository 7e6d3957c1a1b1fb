package auth

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tenantguard/pkg/contextkeys"
	"github.com/platinummonkey/tenantguard/pkg/httputil"
)

// Middleware authenticates every request with verifier and stores the
// principal in the request context. Unauthenticated requests get a 401.
func Middleware(verifier Verifier, logger *logrus.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := verifier.Verify(r)
			if err != nil {
				logger.WithFields(logrus.Fields{
					"path":       r.URL.Path,
					"request_id": contextkeys.RequestIDFrom(r.Context()),
				}).WithError(err).Debug("Authentication failed")
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			ctx := contextkeys.WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
