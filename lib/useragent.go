// Package lib holds small cross-cutting helpers shared by the server
// and member packages.
package lib

import (
	"fmt"
	"runtime"
)

var (
	projectURL = "https://github.com/zerotier-ops/fleetwatch"

	// rt is the runtime version - variable for tests.
	rt = runtime.Version()

	// versionFunc returns the current build version; it is a variable
	// so tests can replace it. Version is the value -ldflags sets.
	versionFunc = func() string {
		return Version
	}
)

// Version is the fleetwatch release version, overridden at build time
// via -ldflags.
var Version = "dev"

// UserAgent returns the consistent user-agent string every fleetwatch
// HTTP client identifies itself with.
func UserAgent() string {
	return fmt.Sprintf("fleetwatch/%s (+%s; %s)", versionFunc(), projectURL, rt)
}
