// context.go carries the per-request audit context (origin IP, user agent, session
// reference) on context.Context so that code deep in a write path can attribute an entry
// without the caller threading request details through every signature. The value is
// request-scoped: it is attached by the request-context middleware and dies with the
// request, so it can never leak between requests sharing an execution unit.
package audit

import (
	"context"
	"sync"
)

// MaxUserAgentLength bounds the stored user-agent string to keep row size predictable.
const MaxUserAgentLength = 500

// RequestContext holds the request-derived attribution fields for audit entries.
// The session reference is resolved lazily on first access so that capturing the
// context never forces session initialization before CSRF/session validation has run.
type RequestContext struct {
	OriginIP  string
	UserAgent string

	sessionOnce sync.Once
	sessionFn   func() string
	sessionRef  string
}

// NewRequestContext builds a RequestContext, truncating the user agent to
// MaxUserAgentLength. sessionFn may be nil when no session layer is present.
func NewRequestContext(originIP, userAgent string, sessionFn func() string) *RequestContext {
	return &RequestContext{
		OriginIP:  originIP,
		UserAgent: TruncateUserAgent(userAgent),
		sessionFn: sessionFn,
	}
}

// SessionRef returns the opaque session identifier, resolving it on first call.
func (rc *RequestContext) SessionRef() string {
	rc.sessionOnce.Do(func() {
		if rc.sessionFn != nil {
			rc.sessionRef = rc.sessionFn()
		}
	})
	return rc.sessionRef
}

// TruncateUserAgent clips a user-agent header to MaxUserAgentLength.
func TruncateUserAgent(ua string) string {
	if len(ua) > MaxUserAgentLength {
		return ua[:MaxUserAgentLength]
	}
	return ua
}

type requestContextKey struct{}

// WithRequestContext returns a context carrying rc.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom extracts the request audit context, if any.
func RequestContextFrom(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc, ok
}
