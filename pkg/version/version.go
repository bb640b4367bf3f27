// Package version carries build metadata injected via -ldflags.
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the release tag. Default "dev".
	Version = "dev"
	// Commit is the git revision the binary was built from.
	Commit = "unknown"
)

// Info is served by the controller and printed by the version commands.
type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Go      string `json:"go"`
}

func Get() Info {
	return Info{Version: Version, Commit: Commit, Go: runtime.Version()}
}

func (i Info) String() string {
	return fmt.Sprintf("%s (%s, %s)", i.Version, i.Commit, i.Go)
}
