package version

import "fmt"

// Unknown marks a build variable that was not stamped at link time.
const Unknown = "unknown"

// Build variables set via ldflags:
// -X 'github.com/compozy/flow/pkg/version.Version=v1.0.0'
// -X 'github.com/compozy/flow/pkg/version.CommitHash=abc123'
// -X 'github.com/compozy/flow/pkg/version.BuildDate=2024-01-01T00:00:00Z'
var (
	Version    = Unknown
	CommitHash = Unknown
	BuildDate  = Unknown
)

// Info returns build information in a structured format
type Info struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit_hash"`
	BuildDate  string `json:"build_date"`
}

func (i Info) String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", i.Version, i.CommitHash, i.BuildDate)
}

// Get returns the current build information
func Get() Info {
	return Info{
		Version:    Version,
		CommitHash: CommitHash,
		BuildDate:  BuildDate,
	}
}
