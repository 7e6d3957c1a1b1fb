// Package httputil provides the JSON response, request parsing and middleware
// helpers shared by the admin HTTP surface.
//
// Errors returned by the managers are written with WriteError, which maps the
// tenancy sentinels to status codes and never exposes storage details:
//
//	role, err := manager.CreateRole(ctx, tenantID, req.Name, req.Description, req.Permissions)
//	if err != nil {
//		httputil.WriteError(w, err)
//		return
//	}
//	httputil.WriteCreated(w, role)
//
// Middleware composes with Chain, outermost first:
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.RecoveryMiddleware(logger),
//		httputil.LoggingMiddleware(logger),
//	)(router)
package httputil
