// Package build provides the build information injected at link time.
package build

// ProjectName is the name used as the metrics namespace and tracer prefix.
const ProjectName = "koral"

var (
	// Version is the built version.
	Version = "dev"

	// Commit is the commit identifier.
	Commit = "none"

	// Date is the build date.
	Date = "unknown"
)
