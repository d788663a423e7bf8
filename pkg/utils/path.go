package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandPath resolves a leading "~" against the current user's home
// directory and cleans the result. Paths in the driver configuration
// (catalog database, log file) accept the "~/..." form.
func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}

	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		if path == "~" {
			return home, nil
		}
		path = filepath.Join(home, path[2:])
	}

	return filepath.Clean(path), nil
}

// EnsureDir creates the directory (and parents) for a file path if it does
// not already exist.
func EnsureDir(filePath string) error {
	dir := filepath.Dir(filePath)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// ValidateObjectPrefix checks an archive object-key prefix: no leading
// slash, no traversal sequences, no empty segments. An empty prefix is
// allowed and means objects are keyed from the bucket root.
func ValidateObjectPrefix(prefix string) error {
	if prefix == "" {
		return nil
	}

	if strings.HasPrefix(prefix, "/") {
		return fmt.Errorf("object prefix must not start with '/': %s", prefix)
	}

	for _, segment := range strings.Split(strings.TrimSuffix(prefix, "/"), "/") {
		if segment == "" {
			return fmt.Errorf("object prefix contains an empty segment: %s", prefix)
		}
		if segment == "." || segment == ".." {
			return fmt.Errorf("object prefix contains a traversal segment: %s", prefix)
		}
	}

	return nil
}
