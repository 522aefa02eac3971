package logsanitize

import (
	"bytes"
	"strings"
	"testing"
)

func TestSanitizeAPIKey(t *testing.T) {
	s := New()
	out := s.Sanitize(`api_key="ABCD1234EFGH5678"`)
	if strings.Contains(out, "1234EFGH") {
		t.Fatalf("api key leaked: %s", out)
	}
	if !strings.HasPrefix(out, `api_key="ABCD`) || !strings.HasSuffix(out, `78"`) {
		t.Fatalf("expected prefix/suffix preserved, got %s", out)
	}
}

func TestSanitizeIPAddress(t *testing.T) {
	s := New()
	out := s.Sanitize("client 10.20.30.40 connected")
	if out != "client 10.20.***.40 connected" {
		t.Fatalf("got %q", out)
	}
}

func TestSanitizeOverlayNetworkID(t *testing.T) {
	s := New()
	out := s.Sanitize("joined network 8056c2e21c000001")
	if strings.Contains(out, "56c2e21c0000") {
		t.Fatalf("network id leaked: %s", out)
	}
}

func TestSanitizeMACAddress(t *testing.T) {
	s := New()
	out := s.Sanitize("iface 02:ab:cd:ef:11:22 up")
	if out != "iface XX:XX:XX:XX:11:22 up" {
		t.Fatalf("got %q", out)
	}
}

func TestSanitizePassword(t *testing.T) {
	s := New()
	out := s.Sanitize(`password: hunter2`)
	if strings.Contains(out, "hunter2") {
		t.Fatalf("password leaked: %s", out)
	}
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	n, err := w.Write([]byte("password=secretvalue\n"))
	if err != nil {
		t.Fatal(err)
	}
	if n != len("password=secretvalue\n") {
		t.Fatalf("unexpected byte count %d", n)
	}
	if strings.Contains(buf.String(), "secretvalue") {
		t.Fatalf("password leaked through writer: %s", buf.String())
	}
}
