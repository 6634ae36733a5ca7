// Package paths returns platform-specific default paths used by the
// relay binary, following the same OS-dispatch shape the wider codebase
// uses for locating its own on-disk state.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
)

// DefaultACMECacheDir returns a reasonable default directory for caching
// ACME-obtained TLS certificates, or the empty string if no reasonable
// default exists on this platform (callers should require an explicit
// flag in that case).
func DefaultACMECacheDir() string {
	switch runtime.GOOS {
	case "windows":
		programData := os.Getenv("ProgramData")
		if programData == "" {
			return ""
		}
		return filepath.Join(programData, "derper", "acme-cache")
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		return filepath.Join(home, "Library", "Caches", "derper-acme")
	default:
		if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
			return filepath.Join(xdg, "derper-acme")
		}
		if fi, err := os.Stat("/var/cache"); err == nil && fi.IsDir() {
			return "/var/cache/derper-acme"
		}
		return "derper-acme"
	}
}
