package security

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// RFC 1123 hostname label, lowercase or uppercase letters, digits, hyphen
	labelPattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// ValidateDomain ensures a domain name is safe to pass to certbot, nginx
// templates and DNS queries.
func ValidateDomain(domain string) error {
	if domain == "" {
		return fmt.Errorf("domain cannot be empty")
	}
	if len(domain) > 253 {
		return fmt.Errorf("domain too long (%d characters)", len(domain))
	}
	if strings.HasPrefix(domain, "-") {
		return fmt.Errorf("domain cannot start with '-'")
	}
	for _, label := range strings.Split(strings.TrimSuffix(domain, "."), ".") {
		if !labelPattern.MatchString(label) {
			return fmt.Errorf("domain contains invalid label %q", label)
		}
	}
	return nil
}

// ValidateEmail performs a shallow syntax check on a contact address.
func ValidateEmail(email string) error {
	if !emailPattern.MatchString(email) {
		return fmt.Errorf("invalid email address %q", email)
	}
	return nil
}

// SanitizePathWithin prevents path traversal when writing below a base
// directory (for example when extracting an archive). The target does not
// need to exist. Returns the cleaned absolute target.
func SanitizePathWithin(basePath, targetPath string) (string, error) {
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base path: %w", err)
	}

	absTarget, err := filepath.Abs(targetPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve target path: %w", err)
	}

	relPath, err := filepath.Rel(absBase, absTarget)
	if err != nil || relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: target '%s' is outside base '%s'", absTarget, absBase)
	}

	return absTarget, nil
}

// Overlaps reports whether a and b are the same directory or one contains
// the other.
func Overlaps(a, b string) bool {
	if _, err := SanitizePathWithin(a, b); err == nil {
		return true
	}
	_, err := SanitizePathWithin(b, a)
	return err == nil
}

// SanitizePath ensures a path is absolute and doesn't contain traversal attempts.
func SanitizePath(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("path must be absolute: %s", path)
	}

	for _, elem := range strings.Split(path, string(filepath.Separator)) {
		if elem == ".." {
			return "", fmt.Errorf("path contains traversal elements: %s", path)
		}
	}

	return filepath.Clean(path), nil
}

// IsDangerousRoot reports whether path is a directory that must never be
// used as a deployment destination because a mirror would wipe it.
func IsDangerousRoot(path string) bool {
	switch filepath.Clean(path) {
	case "/", "/bin", "/boot", "/dev", "/etc", "/home", "/lib", "/proc",
		"/root", "/sbin", "/sys", "/usr", "/var", "/var/www":
		return true
	}
	return false
}
