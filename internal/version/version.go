// Package version provides build-time version information.
//
// Variables are set at build time via ldflags:
//
//	go build -ldflags "-X github.com/rickgao/pointsminer/internal/version.Version=1.0.0 \
//	                   -X github.com/rickgao/pointsminer/internal/version.Commit=$(git rev-parse --short HEAD) \
//	                   -X github.com/rickgao/pointsminer/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" \
//	         ./cmd/miner
package version

// Set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// String returns "<version> (<commit>) built <time>".
func String() string {
	return Version + " (" + Commit + ") built " + BuildTime
}
