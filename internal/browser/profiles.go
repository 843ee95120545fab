package browser

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	. "github.com/roelfdiedericks/tabrelay/internal/logging"
)

// ProfileInfo describes a browser profile on disk
type ProfileInfo struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	LastUsed time.Time `json:"lastUsed"`
}

// ProfileManager handles browser profile directories. Chat sites keep
// their login in the profile, so one profile usually backs the whole pool.
type ProfileManager struct {
	profilesDir string
}

// NewProfileManager creates a new profile manager
func NewProfileManager(profilesDir string) *ProfileManager {
	return &ProfileManager{profilesDir: profilesDir}
}

// EnsureProfile ensures a profile directory exists
func (m *ProfileManager) EnsureProfile(name string) (string, error) {
	if name == "" {
		name = "default"
	}
	profileDir := filepath.Join(m.profilesDir, name)
	if err := os.MkdirAll(profileDir, 0750); err != nil {
		return "", fmt.Errorf("failed to create profile directory: %w", err)
	}
	L_debug("browser: ensured profile", "name", name, "path", profileDir)
	return profileDir, nil
}

// ListProfiles returns information about all profiles
func (m *ProfileManager) ListProfiles() ([]ProfileInfo, error) {
	entries, err := os.ReadDir(m.profilesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []ProfileInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read profiles directory: %w", err)
	}

	var profiles []ProfileInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info := ProfileInfo{Name: entry.Name(), Path: filepath.Join(m.profilesDir, entry.Name())}
		err := filepath.Walk(info.Path, func(_ string, fi os.FileInfo, err error) error {
			if err != nil {
				return nil
			}
			if !fi.IsDir() {
				info.Size += fi.Size()
			}
			if fi.ModTime().After(info.LastUsed) {
				info.LastUsed = fi.ModTime()
			}
			return nil
		})
		if err != nil {
			L_warn("browser: failed to get profile info", "name", entry.Name(), "error", err)
			continue
		}
		profiles = append(profiles, info)
	}
	return profiles, nil
}

// cleanupStaleLocks removes Chrome lock files left behind by crashed sessions.
// Chrome refuses to start if SingletonLock or other lock files exist.
func cleanupStaleLocks(profileDir string) {
	for _, lockFile := range []string{"SingletonLock", "SingletonCookie", "SingletonSocket"} {
		lockPath := filepath.Join(profileDir, lockFile)
		if _, err := os.Lstat(lockPath); err != nil {
			continue
		}
		if err := os.Remove(lockPath); err != nil {
			L_warn("browser: failed to remove stale lock file", "file", lockPath, "error", err)
		} else {
			L_info("browser: removed stale lock file", "file", lockPath)
		}
	}
}

// FormatSize returns a human-readable size string
func FormatSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)
	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
