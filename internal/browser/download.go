package browser

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-rod/rod/lib/launcher"

	. "github.com/roelfdiedericks/tabrelay/internal/logging"
)

// Binary finds the Chromium executable for a launch: a previous download
// under dir, a Chrome installed on the system, or a fresh download.
type Binary struct {
	dir string

	mu   sync.Mutex
	path string
}

// NewBinary manages downloads under dir.
func NewBinary(dir string) *Binary {
	return &Binary{dir: dir}
}

// Resolve returns an executable path. A download only happens when
// download is set and nothing usable exists.
func (b *Binary) Resolve(download bool) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.path != "" && exists(b.path) {
		return b.path, nil
	}
	b.path = ""

	if p := b.downloaded(); p != "" {
		b.path = p
		return p, nil
	}
	if p, ok := launcher.LookPath(); ok {
		L_debug("browser: using system browser", "path", p)
		b.path = p
		return p, nil
	}
	if !download {
		return "", fmt.Errorf("no browser found in %s or on the system, and auto download is off", b.dir)
	}

	if err := os.MkdirAll(b.dir, 0755); err != nil {
		return "", fmt.Errorf("create browser dir: %w", err)
	}
	L_info("browser: downloading chromium", "dir", b.dir)
	lb := launcher.NewBrowser()
	lb.RootDir = b.dir
	p, err := lb.Get()
	if err != nil {
		return "", fmt.Errorf("download browser: %w", err)
	}
	b.path = p
	L_info("browser: chromium ready", "path", p)
	return p, nil
}

// downloaded looks for a revision directory left by an earlier download.
func (b *Binary) downloaded() string {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		for _, rel := range []string{
			"chrome",
			"chrome.exe",
			filepath.Join("Chromium.app", "Contents", "MacOS", "Chromium"),
		} {
			if p := filepath.Join(b.dir, e.Name(), rel); exists(p) {
				return p
			}
		}
	}
	return ""
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
