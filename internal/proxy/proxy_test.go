package proxy

import (
	"fmt"
	"testing"
)

func testPool(t *testing.T, threshold int) *Pool {
	t.Helper()
	p, err := New(Options{
		Tiers: [][]string{
			{"http://tier0-a:8080", "http://tier0-b:8080"},
			{"http://tier1-a:8080"},
			{"http://tier2-a:8080"},
		},
		EscalationThreshold: threshold,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestNewURLStableForSameSession(t *testing.T) {
	p := testPool(t, 2)

	first, err := p.NewURL("session-a")
	if err != nil {
		t.Fatalf("NewURL: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := p.NewURL("session-a")
		if err != nil {
			t.Fatalf("NewURL: %v", err)
		}
		if again != first {
			t.Fatalf("expected stable URL %q, got %q on call %d", first, again, i)
		}
	}
}

func TestNotifyBlockedEscalatesAfterThreshold(t *testing.T) {
	p := testPool(t, 2)

	info, _ := p.NewProxyInfo("session-a")
	if info.Tier != 0 {
		t.Fatalf("expected initial tier 0, got %d", info.Tier)
	}

	p.NotifyBlocked("session-a")
	info, _ = p.NewProxyInfo("session-a")
	if info.Tier != 0 {
		t.Fatalf("expected tier unchanged after one blocked notification, got %d", info.Tier)
	}

	p.NotifyBlocked("session-a")
	info, _ = p.NewProxyInfo("session-a")
	if info.Tier != 1 {
		t.Fatalf("expected escalation to tier 1 after %d consecutive blocks, got tier %d", 2, info.Tier)
	}
}

func TestNotifySuccessResetsStreak(t *testing.T) {
	p := testPool(t, 2)

	p.NewProxyInfo("session-a")
	p.NotifyBlocked("session-a")
	p.NotifySuccess("session-a")
	p.NotifyBlocked("session-a")

	info, _ := p.NewProxyInfo("session-a")
	if info.Tier != 0 {
		t.Fatalf("expected tier to remain 0 after streak reset, got %d", info.Tier)
	}
}

func TestEscalationClampsAtTopTier(t *testing.T) {
	p := testPool(t, 1)

	for i := 0; i < 10; i++ {
		p.NotifyBlocked("session-a")
	}

	info, _ := p.NewProxyInfo("session-a")
	if info.Tier != 2 {
		t.Fatalf("expected session clamped at top tier 2, got %d", info.Tier)
	}
}

func TestDifferentSessionsCanLandDifferentURLsWithinATier(t *testing.T) {
	p := testPool(t, 2)

	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		url, err := p.NewURL(fmt.Sprintf("session-%d", i))
		if err != nil {
			t.Fatalf("NewURL: %v", err)
		}
		seen[url] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected round-robin to spread sessions across tier-0 URLs, saw only %v", seen)
	}
}
