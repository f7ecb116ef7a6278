package buildinfo

import (
	"fmt"

	"github.com/cordum/procflow/internal/infra/logging"
)

// Set at link time via -ldflags "-X".
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, Date)
}

// Log writes the build summary for service.
func Log(service string) {
	logging.Info(service, "build", "version", Version, "commit", Commit, "date", Date)
}
