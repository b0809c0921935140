// Package buildinfo carries version identifiers stamped at link time:
//
//	go build -ldflags "-X .../internal/buildinfo.Version=v1.9.0 \
//	                   -X .../internal/buildinfo.Commit=$(git rev-parse HEAD)"
package buildinfo

var (
	// Version is the semantic release version.
	Version = "dev"

	// Commit is the VCS revision the binary was built from.
	Commit = "unknown"
)

// Short returns the first 8 characters of the commit hash.
func Short() string {
	if len(Commit) > 8 {
		return Commit[:8]
	}
	return Commit
}
