// requestcontext.go provides the Gin middleware that captures per-request audit context
// (origin IP, user agent, session reference) and makes it reachable from code that never
// sees the inbound request, such as the ledger write path. The context is carried on the
// request's context.Context and on the gin.Context; both are request-scoped, so the
// captured values can never leak into another request even when the execution unit is
// reused. Origin attribution honors a forwarded-for chain: the FIRST address in the list
// is the one closest to the original client, and that choice must be preserved exactly
// because it determines attribution in multi-proxy deployments.
package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/plotline-software/plotline/internal/audit"
)

// RequestAuditContextKey is the gin.Context key under which the request's audit context
// is stored.
const RequestAuditContextKey = "audit_request_context"

// SessionResolver returns the opaque session identifier for the current request, or ""
// when there is none. It is invoked lazily — only when something actually reads the
// session reference — so capturing audit context never forces session initialization
// before CSRF/session validation has run.
type SessionResolver func(c *gin.Context) string

// RequestContextMiddleware returns a Gin handler that builds the audit RequestContext for
// every request and attaches it to both the gin.Context and the request's
// context.Context. sessionResolver may be nil when the deployment has no session layer.
//
// Register it early, after RequestIDMiddleware, so every downstream audit write carries
// origin attribution:
//
//	router.Use(gin.Recovery())
//	router.Use(RequestIDMiddleware())
//	router.Use(RequestContextMiddleware(sessions.RefFor))
func RequestContextMiddleware(sessionResolver SessionResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		var sessionFn func() string
		if sessionResolver != nil {
			sessionFn = func() string { return sessionResolver(c) }
		}

		rc := audit.NewRequestContext(
			ClientIPFromRequest(c.Request),
			c.Request.UserAgent(),
			sessionFn,
		)

		c.Set(RequestAuditContextKey, rc)
		c.Request = c.Request.WithContext(audit.WithRequestContext(c.Request.Context(), rc))

		// The captured context must not outlive the request on any exit path,
		// including handler panics.
		defer func() {
			if c.Keys != nil {
				delete(c.Keys, RequestAuditContextKey)
			}
		}()

		c.Next()
	}
}

// ClientIPFromRequest extracts the originating client address. When an X-Forwarded-For
// chain is present the first (leftmost) address wins; otherwise the direct peer address
// is used.
func ClientIPFromRequest(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := forwarded
		if idx := strings.Index(forwarded, ","); idx >= 0 {
			first = forwarded[:idx]
		}
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// GetRequestAuditContext returns the request's audit context. When
// RequestContextMiddleware has run, the captured context is returned; otherwise a fresh
// one is computed directly from the request, so callers always get usable attribution.
// Contexts built by the fallback path have no session resolver.
func GetRequestAuditContext(c *gin.Context) *audit.RequestContext {
	if v, ok := c.Get(RequestAuditContextKey); ok {
		if rc, ok := v.(*audit.RequestContext); ok {
			return rc
		}
	}
	return audit.NewRequestContext(
		ClientIPFromRequest(c.Request),
		c.Request.UserAgent(),
		nil,
	)
}
