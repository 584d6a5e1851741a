// Package version exposes build metadata for the formbridge gateway.
// The variables are stamped with -ldflags at build time; local builds keep
// the "unknown" placeholders.
package version

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
)

var (
	// Version is the release tag or short commit.
	// Set via: -ldflags "-X formbridge/internal/version.Version=..."
	Version = "unknown"

	// BuildDate is the UTC build timestamp in RFC 3339 form.
	BuildDate = "unknown"

	// GitCommit is the full commit SHA the binary was built from.
	GitCommit = "unknown"
)

// Info holds build metadata plus per-process identity.
type Info struct {
	Version    string `json:"version"`
	GitCommit  string `json:"git_commit"`
	BuildDate  string `json:"build_date"`
	InstanceID string `json:"instance_id"`
	Hostname   string `json:"hostname"`
}

var (
	once sync.Once
	info Info
)

// GetInfo returns the build metadata. The instance ID and hostname are
// resolved on the first call and reused for the lifetime of the process.
func GetInfo() Info {
	once.Do(func() {
		id, err := uuid.NewV7()
		if err != nil {
			id = uuid.New()
		}
		info = Info{
			Version:    Version,
			GitCommit:  GitCommit,
			BuildDate:  BuildDate,
			InstanceID: id.String(),
			Hostname:   hostname(),
		}
	})
	return info
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
}

// String formats version info for the -version flag.
func (i Info) String() string {
	return fmt.Sprintf("formbridge %s (commit: %s, built: %s)", i.Version, i.GitCommit, i.BuildDate)
}
