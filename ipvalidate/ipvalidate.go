// Package ipvalidate classifies overlay member addresses for registration.
//
// Validation accepts the private and CGNAT ranges a ZeroTier-style overlay
// actually hands out, and rejects the ranges that can never be a useful
// member address: loopback, link-local, multicast, reserved, unspecified.
package ipvalidate

import (
	"fmt"
	"net/netip"

	sockaddr "github.com/hashicorp/go-sockaddr"
)

// MaxLength is the longest textual IP address accepted anywhere a member
// address is read from the wire (a compressed IPv6 literal plus slack).
const MaxLength = 45

// Validate reports whether s is an acceptable overlay member address. It
// returns a human-readable reason when rejected.
func Validate(s string) (bool, string) {
	if len(s) == 0 {
		return false, "empty address"
	}
	if len(s) > MaxLength {
		return false, fmt.Sprintf("address exceeds %d characters", MaxLength)
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return false, fmt.Sprintf("not a valid IP address: %v", err)
	}

	switch {
	case addr.IsLoopback():
		return false, "loopback addresses are not allowed"
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return false, "link-local addresses are not allowed"
	case addr.IsMulticast():
		return false, "multicast addresses are not allowed"
	case addr.IsUnspecified():
		return false, "unspecified address is not allowed"
	case isReserved(addr):
		return false, "reserved addresses are not allowed"
	}

	return true, ""
}

// IsPrivate reports whether s falls in a private-use (RFC 1918), CGNAT
// (RFC 6598), or IPv6 ULA (RFC 4193) range, using go-sockaddr's RFC
// tables. It is used for display and metrics only; Validate is the
// admission gate and does not depend on this classification.
func IsPrivate(s string) bool {
	sa, err := sockaddr.NewIPAddr(s)
	if err != nil {
		return false
	}
	for _, rfc := range []uint{1918, 6598, 4193} {
		if sockaddr.IsRFC(rfc, sa) {
			return true
		}
	}
	return false
}

// reservedV4 mirrors ipaddress.IPv4Address.is_reserved from the reference
// implementation: the 240.0.0.0/4 "future use" block, and no other range.
var reservedV4 = mustPrefix("240.0.0.0/4")

func isReserved(addr netip.Addr) bool {
	if addr.Is4() || addr.Is4In6() {
		return reservedV4.Contains(unmap(addr))
	}
	// IPv6 reserved ranges beyond the cases already filtered above.
	return addr.As16()[0] == 0x00 && addr != netip.IPv6Unspecified()
}

func unmap(addr netip.Addr) netip.Addr {
	if addr.Is4In6() {
		return addr.Unmap()
	}
	return addr
}

func mustPrefix(s string) netip.Prefix {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		panic(err)
	}
	return p
}
