// Package version holds the build version.
package version

// Version is the current release, overridable at build time via
// -ldflags "-X .../internal/version.Version=v1.2.3".
var Version = "v1.0.0"
