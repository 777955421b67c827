package security

import (
	"fmt"
	"os"
)

const (
	// PermLogFile is for run logs that may contain deployment information.
	// rw-r----- (0640): owner can read/write, group can read, others have no access.
	PermLogFile os.FileMode = 0640

	// PermDBFile is for the run history database.
	PermDBFile os.FileMode = 0640

	// PermBackupFile is for snapshot archives; they hold a copy of the site.
	PermBackupFile os.FileMode = 0640

	// PermDirectory is for tool-owned directories (logs, backups).
	// rwxr-x--- (0750): owner can read/write/execute, group can read/execute, others have no access.
	PermDirectory os.FileMode = 0750

	// PermPublicFile is for served content.
	// rw-r--r-- (0644): owner can read/write, group and others can read.
	PermPublicFile os.FileMode = 0644

	// PermPublicDir is for served directories.
	// rwxr-xr-x (0755)
	PermPublicDir os.FileMode = 0755
)

// CreateSecureFile creates a new file with secure permissions.
// If the file exists, it will be truncated.
func CreateSecureFile(path string, perm os.FileMode) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return nil, fmt.Errorf("failed to create secure file: %w", err)
	}

	// Explicitly set permissions to bypass umask
	if err := os.Chmod(path, perm); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to set file permissions: %w", err)
	}

	return file, nil
}

// CreateSecureDir creates a new directory with secure permissions.
// If the directory already exists, it updates the permissions.
func CreateSecureDir(path string, perm os.FileMode) error {
	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("failed to create secure directory: %w", err)
	}

	if err := os.Chmod(path, perm); err != nil {
		return fmt.Errorf("failed to set directory permissions: %w", err)
	}

	return nil
}
