package bootstrap

// Build identity for the bootstrap layer, stamped at release time with
// -ldflags "-X".
var (
	// Version is the current library version
	Version = "development"

	// BuildDate is set during build time
	BuildDate = "unknown"

	// GitCommit is set during build time
	GitCommit = "unknown"
)

// BuildInfo returns the library's build identity as log fields.
func BuildInfo() map[string]interface{} {
	return map[string]interface{}{
		"version":    Version,
		"build_date": BuildDate,
		"git_commit": GitCommit,
	}
}
