package audit

import (
	"context"
	"strings"
	"testing"
)

func TestNewRequestContext_TruncatesUserAgent(t *testing.T) {
	long := strings.Repeat("a", MaxUserAgentLength+50)
	rc := NewRequestContext("203.0.113.1", long, nil)
	if len(rc.UserAgent) != MaxUserAgentLength {
		t.Errorf("user agent length = %d, want %d", len(rc.UserAgent), MaxUserAgentLength)
	}

	short := "curl/8.5.0"
	rc = NewRequestContext("203.0.113.1", short, nil)
	if rc.UserAgent != short {
		t.Errorf("short user agent modified: %q", rc.UserAgent)
	}
}

func TestRequestContext_SessionResolvedOnceLazily(t *testing.T) {
	calls := 0
	rc := NewRequestContext("203.0.113.1", "ua", func() string {
		calls++
		return "sess-7"
	})

	if calls != 0 {
		t.Fatalf("session resolver ran %d times before first read", calls)
	}
	if got := rc.SessionRef(); got != "sess-7" {
		t.Errorf("SessionRef() = %q, want sess-7", got)
	}
	rc.SessionRef()
	rc.SessionRef()
	if calls != 1 {
		t.Errorf("session resolver ran %d times, want 1", calls)
	}
}

func TestRequestContext_NilSessionFn(t *testing.T) {
	rc := NewRequestContext("203.0.113.1", "ua", nil)
	if got := rc.SessionRef(); got != "" {
		t.Errorf("SessionRef() = %q, want empty with nil resolver", got)
	}
}

func TestWithRequestContext_RoundTrip(t *testing.T) {
	rc := NewRequestContext("203.0.113.1", "ua", nil)
	ctx := WithRequestContext(context.Background(), rc)

	got, ok := RequestContextFrom(ctx)
	if !ok {
		t.Fatal("RequestContextFrom found no context")
	}
	if got != rc {
		t.Error("RequestContextFrom returned a different context value")
	}

	if _, ok := RequestContextFrom(context.Background()); ok {
		t.Error("RequestContextFrom reported a context on a bare background context")
	}
}
