// Package version holds the version string baked into release binaries.
package version

// Version is overridden at build time:
//
//	-ldflags "-X github.com/cdl-lang/remoting/pkg/version.Version=..."
var Version = "dev-undefined"
