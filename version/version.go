// Package version exposes the build version string, overridden at link time
// via -ldflags "-X github.com/crochee/cim/version.Version=...".
package version

// Version is the released version of cim. It's set to "unreleased" when
// building from source without linker flags.
var Version = "unreleased"
