// Package version provides build and version information for the sorter.
package version

// Version is the current release version of the sorter.
// This can be overridden at build time using:
//
//	go build -ldflags "-X github.com/AaronLay10/SorterEngine/internal/version.Version=x.y.z"
var Version = "0.3.0"
