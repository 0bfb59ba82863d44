// Package identity reports what the daemon advertises about itself: its
// hostname and the installed version.
package identity

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// DefaultVersion is used when no version is stamped or installed.
const DefaultVersion = "0.1.0-dev"

// Version is stamped at build time with
// -ldflags "-X github.com/micro-nova/streamrestore-go/internal/identity.Version=...".
var Version = ""

// GetHostname returns the system hostname, or "streamrestore".
func GetHostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "streamrestore"
	}
	// mDNS instance names do not carry the domain.
	if i := strings.IndexByte(h, '.'); i > 0 {
		h = h[:i]
	}
	return h
}

// GetVersion returns the stamped version, then the version in
// stateDir/metadata.json, then DefaultVersion.
func GetVersion(stateDir string) string {
	if Version != "" {
		return Version
	}
	return GetVersionFromDir(stateDir)
}

// GetVersionFromDir reads the version from dir/metadata.json.
func GetVersionFromDir(dir string) string {
	if dir == "" {
		return DefaultVersion
	}
	data, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		return DefaultVersion
	}

	var meta struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &meta); err != nil || meta.Version == "" {
		return DefaultVersion
	}
	return meta.Version
}
