package version

var (
	// Version is the current orchestrator version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String returns a single human-readable version line for startup logs
// and the /healthz payload.
func String() string {
	return Version + " (" + GitSHA + ", built " + BuildTime + ")"
}
