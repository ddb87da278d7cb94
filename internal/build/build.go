// Package build holds build-time metadata stamped in via ldflags.
package build

var (
	// Version is the release version of the module.
	Version = "dev"

	// Commit is the git commit the module was built from.
	Commit = "none"
)
