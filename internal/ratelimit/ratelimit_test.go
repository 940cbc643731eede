package ratelimit

import (
	"testing"
	"time"
)

func TestAllowWithinLimit(t *testing.T) {
	tr := NewTracker(Limit{MaxRequests: 2, Window: time.Minute})
	now := time.Now()

	if r := tr.Allow("ws1", now); !r.Allowed {
		t.Fatal("expected first call to be allowed")
	}
	if r := tr.Allow("ws1", now); !r.Allowed {
		t.Fatal("expected second call to be allowed")
	}
}

func TestAllowExceedsLimit(t *testing.T) {
	tr := NewTracker(Limit{MaxRequests: 1, Window: time.Minute})
	now := time.Now()

	if r := tr.Allow("ws1", now); !r.Allowed {
		t.Fatal("expected first call to be allowed")
	}
	r := tr.Allow("ws1", now)
	if r.Allowed {
		t.Fatal("expected second call to be denied")
	}
	if r.Reason == "" {
		t.Error("expected a reason for denial")
	}
}

func TestAllowResetsAfterWindow(t *testing.T) {
	tr := NewTracker(Limit{MaxRequests: 1, Window: time.Minute})
	now := time.Now()

	tr.Allow("ws1", now)
	if r := tr.Allow("ws1", now.Add(2 * time.Minute)); !r.Allowed {
		t.Error("expected a new window to reset the counter")
	}
}

func TestAllowIsolatesWorkspaces(t *testing.T) {
	tr := NewTracker(Limit{MaxRequests: 1, Window: time.Minute})
	now := time.Now()

	tr.Allow("ws1", now)
	if r := tr.Allow("ws2", now); !r.Allowed {
		t.Error("expected a different workspace to have its own budget")
	}
}

func TestAllowNoLimitConfigured(t *testing.T) {
	tr := NewTracker(Limit{})
	now := time.Now()
	for i := 0; i < 100; i++ {
		if r := tr.Allow("ws1", now); !r.Allowed {
			t.Fatal("expected unlimited tracker to always allow")
		}
	}
}
