// Package configreset implements the non-core "config-reset" CLI
// action: back up a config file and let the next start regenerate
// defaults. No user settings are carried forward.
package configreset

import (
	"fmt"
	"os"
)

// Reset backs up the file at path to path+".backup" (replacing any
// previous backup) and removes the original, so the next load writes
// fresh defaults. If path doesn't exist, Reset is a no-op.
func Reset(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}

	backupPath := path + ".backup"
	if err := os.Remove(backupPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove old backup: %w", err)
	}
	if err := os.Rename(path, backupPath); err != nil {
		return fmt.Errorf("back up config before reset: %w", err)
	}
	return nil
}
