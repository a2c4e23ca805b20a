// Package buildinfo holds version details stamped in at link time:
//
//	go build -ldflags "-X github.com/modoterra/switchyard/internal/buildinfo.Version=v0.3.0"
package buildinfo

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String formats the build details for version output.
func String(binary string) string {
	return binary + " " + Version + " (" + Commit + ") built " + Date
}
