package admission

import (
	"testing"
	"time"
)

func TestCheck_EnforcesConcurrency(t *testing.T) {
	l := New(Config{MaxConcurrentConnections: 1})
	now := time.Now()

	first := l.Check("p1", now)
	if !first.Allowed || first.Permit == nil {
		t.Fatalf("first allowed=%v permit=%v", first.Allowed, first.Permit)
	}

	second := l.Check("p1", now)
	if second.Allowed {
		t.Fatalf("second should be denied")
	}
	if second.RetryAfterSeconds < 1 {
		t.Fatalf("denied decision needs a retry-after hint, got %d", second.RetryAfterSeconds)
	}

	first.Permit.Release()
	third := l.Check("p1", now)
	if !third.Allowed {
		t.Fatalf("third should be allowed after release")
	}
}

func TestCheck_PrincipalsAreIndependent(t *testing.T) {
	l := New(Config{MaxConcurrentConnections: 1})
	now := time.Now()

	if d := l.Check("p1", now); !d.Allowed {
		t.Fatalf("p1 denied")
	}
	if d := l.Check("p2", now); !d.Allowed {
		t.Fatalf("p2 denied; principals must not share a cap")
	}
}

func TestCheck_TokenBucketRefills(t *testing.T) {
	l := New(Config{ConnectionsPerSecond: 1, Burst: 1})
	now := time.Now()

	first := l.Check("p1", now)
	if !first.Allowed {
		t.Fatalf("first should be allowed")
	}
	first.Permit.Release()

	second := l.Check("p1", now)
	if second.Allowed {
		t.Fatalf("bucket empty, second should be denied")
	}
	if second.RetryAfterSeconds != 1 {
		t.Fatalf("retryAfter=%d, want 1", second.RetryAfterSeconds)
	}

	third := l.Check("p1", now.Add(time.Second))
	if !third.Allowed {
		t.Fatalf("bucket should refill after a second")
	}
}

func TestPrincipalKeyFromAPIKey(t *testing.T) {
	a := PrincipalKeyFromAPIKey("key-one")
	b := PrincipalKeyFromAPIKey("key-one")
	c := PrincipalKeyFromAPIKey("key-two")
	if a != b {
		t.Fatalf("same key must map to same principal")
	}
	if a == c {
		t.Fatalf("different keys must not collide")
	}
	if a == "key-one" || len(a) != len("k_")+32 {
		t.Fatalf("principal key must be a hashed token, got %q", a)
	}
}
