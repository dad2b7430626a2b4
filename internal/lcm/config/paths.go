package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// DefaultConfigDir returns the platform configuration directory the agent
// reads its appsettings overlays from.
func DefaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(programData(), "OpenDSC", "LCM")
	case "darwin":
		return filepath.Join("/Library", "Preferences", "OpenDSC", "LCM")
	default:
		return filepath.Join("/etc", "opendsc", "lcm")
	}
}

// DefaultDataDir returns the platform data directory: extracted bundles,
// managed certificates and the node state live here.
func DefaultDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(programData(), "OpenDSC", "LCM", "data")
	case "darwin":
		return filepath.Join("/Library", "Application Support", "OpenDSC", "LCM")
	default:
		return filepath.Join("/var", "lib", "opendsc", "lcm")
	}
}

// DefaultLogDir returns the platform log directory. On Linux the agent
// prefers the journal when it is available; the directory is the file
// fallback.
func DefaultLogDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(programData(), "OpenDSC", "LCM", "logs")
	case "darwin":
		return filepath.Join("/Library", "Logs", "OpenDSC")
	default:
		return filepath.Join("/var", "log", "opendsc")
	}
}

func programData() string {
	if dir := os.Getenv("ProgramData"); dir != "" {
		return dir
	}
	return `C:\ProgramData`
}
