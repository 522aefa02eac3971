package ipvalidate

import "testing"

func TestValidate(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"10.0.0.1", true},
		{"192.168.1.1", true},
		{"100.64.0.5", true}, // CGNAT
		{"2001:db8::1", true},
		{"fc00::1", true}, // IPv6 ULA
		{"127.0.0.1", false},
		{"169.254.1.1", false},
		{"224.0.0.1", false},
		{"0.0.0.0", false},
		{"999.1.1.1", false},
		{"not-an-ip", false},
		{"", false},
	}
	for _, c := range cases {
		got, reason := Validate(c.in)
		if got != c.want {
			t.Errorf("Validate(%q) = %v (%s), want %v", c.in, got, reason, c.want)
		}
	}
}

func TestValidateMaxLength(t *testing.T) {
	long := ""
	for i := 0; i < MaxLength+1; i++ {
		long += "1"
	}
	if ok, _ := Validate(long); ok {
		t.Fatalf("expected overlong address to be rejected")
	}
}

func TestIsPrivate(t *testing.T) {
	cases := map[string]bool{
		"10.0.0.1":     true,
		"172.16.0.1":   true,
		"192.168.0.1":  true,
		"100.64.0.1":   true,
		"fc00::1":      true,
		"8.8.8.8":      false,
		"2001:db8::1":  false,
		"not-an-ip":    false,
	}
	for in, want := range cases {
		if got := IsPrivate(in); got != want {
			t.Errorf("IsPrivate(%q) = %v, want %v", in, got, want)
		}
	}
}
