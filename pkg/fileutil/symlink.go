package fileutil

import (
	"fmt"
	"os"
)

// UpdateSymlinkAtomic atomically updates a symlink to point to a new target.
// This uses the "create temp, then rename" pattern so readers never see
// a missing link.
func UpdateSymlinkAtomic(linkPath, targetPath string) error {
	tmpLink := linkPath + ".tmp"

	// Remove temp link if it exists from a previous failed attempt
	_ = os.Remove(tmpLink)

	if err := os.Symlink(targetPath, tmpLink); err != nil {
		return fmt.Errorf("failed to create temporary symlink: %w", err)
	}

	if err := os.Rename(tmpLink, linkPath); err != nil {
		_ = os.Remove(tmpLink)
		return fmt.Errorf("failed to rename symlink atomically: %w", err)
	}

	return nil
}

// IsSymlink checks if a path is a symlink.
func IsSymlink(path string) bool {
	info, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeSymlink != 0
}
