package probe

import (
	"context"
	"runtime"
	"testing"
	"time"
)

func TestBuildCommandIPv4(t *testing.T) {
	cmd, cancel := buildCommand(context.Background(), "127.0.0.1", 2*time.Second)
	defer cancel()
	if cmd.Args[0] != "ping" {
		t.Fatalf("expected ping binary, got %v", cmd.Args)
	}
	for _, a := range cmd.Args {
		if a == "-6" {
			t.Fatalf("did not expect -6 flag for IPv4 host: %v", cmd.Args)
		}
	}
}

func TestBuildCommandIPv6(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("flag layout differs on windows")
	}
	cmd, cancel := buildCommand(context.Background(), "::1", 2*time.Second)
	defer cancel()
	found := false
	for _, a := range cmd.Args {
		if a == "-6" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected -6 flag for IPv6 host: %v", cmd.Args)
	}
}

func TestPingUnreachable(t *testing.T) {
	// A TEST-NET-1 address (RFC 5737) is reserved for documentation and
	// reliably unreachable without relying on real network conditions.
	ok := Ping(context.Background(), "192.0.2.1", 200*time.Millisecond)
	if ok {
		t.Skip("environment unexpectedly routes to TEST-NET-1")
	}
}

func TestIsIPv6(t *testing.T) {
	cases := map[string]bool{
		"10.0.0.1":    false,
		"example.com": false,
		"::1":         true,
		"2001:db8::1": true,
	}
	for in, want := range cases {
		if got := isIPv6(in); got != want {
			t.Errorf("isIPv6(%q) = %v, want %v", in, got, want)
		}
	}
}
