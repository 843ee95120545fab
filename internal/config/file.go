package config

import (
	"fmt"
	"os"
	"path/filepath"

	. "github.com/roelfdiedericks/tabrelay/internal/logging"
)

// DefaultBackupCount is how many previous versions Save keeps.
const DefaultBackupCount = 5

// Save writes cfg to path in the format named by its extension. The file
// being replaced is kept as path.bak, older copies shift to .bak.1 and up.
func Save(path string, cfg *Config, keep int) error {
	data, err := Encode(path, cfg)
	if err != nil {
		return err
	}
	if keep <= 0 {
		keep = DefaultBackupCount
	}
	if _, err := os.Stat(path); err == nil {
		if err := backup(path, keep); err != nil {
			L_warn("config: backup failed, saving anyway", "path", path, "error", err)
		}
	}
	if err := writeAtomic(path, data, 0600); err != nil {
		return err
	}
	L_debug("config: saved", "path", path, "bytes", len(data))
	return nil
}

// writeAtomic replaces path with data. Readers see the old file or the
// new one, never a partial write.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tabrelay-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(name)
		}
	}()

	for _, step := range []func() error{
		func() error { return tmp.Chmod(perm) },
		func() error { _, err := tmp.Write(data); return err },
		tmp.Sync,
	} {
		if err := step(); err != nil {
			tmp.Close()
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(name, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	committed = true
	return nil
}

// backupName is slot 0 → path.bak, slot n → path.bak.n.
func backupName(path string, slot int) string {
	if slot == 0 {
		return path + ".bak"
	}
	return fmt.Sprintf("%s.bak.%d", path, slot)
}

// backup shifts every existing copy up one slot, dropping the one that
// would exceed keep, then copies path into slot 0.
func backup(path string, keep int) error {
	last := keep - 1
	if last > 0 {
		if err := os.Remove(backupName(path, last)); err != nil && !os.IsNotExist(err) {
			L_trace("config: drop oldest backup", "error", err)
		}
		for slot := last - 1; slot >= 0; slot-- {
			err := os.Rename(backupName(path, slot), backupName(path, slot+1))
			if err != nil && !os.IsNotExist(err) {
				L_trace("config: shift backup", "slot", slot, "error", err)
			}
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := os.WriteFile(backupName(path, 0), data, info.Mode().Perm()); err != nil {
		return err
	}
	L_trace("config: backed up", "path", backupName(path, 0))
	return nil
}
