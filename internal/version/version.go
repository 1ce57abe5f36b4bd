// Package version carries build metadata injected at link time via
// -ldflags "-X ...".
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String renders the full build identifier used by the version subcommand
// and the startup banner.
func String() string {
	return fmt.Sprintf("%s (%s, %s)", Version, Commit, Date)
}
