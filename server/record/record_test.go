package record

import (
	"testing"
	"time"
)

func TestClassifyNeverPinged(t *testing.T) {
	r := Record{LastPingAt: 0, LastPingOK: true}
	if got := r.Classify(); got != NeverPinged {
		t.Fatalf("Classify() = %v, want %v", got, NeverPinged)
	}
}

func TestClassifyOnlineAndOffline(t *testing.T) {
	r := Record{LastPingAt: 100, LastPingOK: true}
	if got := r.Classify(); got != Online {
		t.Fatalf("Classify() = %v, want %v", got, Online)
	}
	r.LastPingOK = false
	if got := r.Classify(); got != Offline {
		t.Fatalf("Classify() = %v, want %v", got, Offline)
	}
}

func TestActiveAndStale(t *testing.T) {
	now := time.Unix(1000, 0)
	r := Record{LastSeen: 950}
	if !r.Active(now, 60*time.Second) {
		t.Fatal("expected record seen 50s ago to be active under a 60s threshold")
	}
	if r.Stale(now, 60*time.Second) {
		t.Fatal("expected record seen 50s ago not to be stale under a 60s threshold")
	}

	r.LastSeen = 900
	if r.Active(now, 60*time.Second) {
		t.Fatal("expected record seen 100s ago not to be active under a 60s threshold")
	}
	if !r.Stale(now, 60*time.Second) {
		t.Fatal("expected record seen 100s ago to be stale under a 60s threshold")
	}
}
