package project

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultMarkers are the entries that must exist at a project root
var DefaultMarkers = []string{"package.json", "tsconfig.json", "src", "data"}

// MissingMarkerError reports a project marker that is absent from the root
type MissingMarkerError struct {
	Root   string
	Marker string
}

func (e *MissingMarkerError) Error() string {
	return fmt.Sprintf("not a project root: %s is missing %q (run from the project directory or pass --root)", e.Root, e.Marker)
}

// AssertRoot checks that every marker exists directly under root
func AssertRoot(root string, markers []string) error {
	for _, marker := range markers {
		if _, err := os.Stat(filepath.Join(root, marker)); err != nil {
			if os.IsNotExist(err) {
				return &MissingMarkerError{Root: root, Marker: marker}
			}
			return fmt.Errorf("failed to check marker %s: %w", marker, err)
		}
	}
	return nil
}

// FindRoot walks up from dir until a directory holding every marker is found
func FindRoot(dir string, markers []string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	for {
		if err := AssertRoot(dir, markers); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached the filesystem root without a match
			return "", fmt.Errorf("no project root with markers %v found", markers)
		}
		dir = parent
	}
}

// CleanRel normalises a root-relative path and rejects absolute paths and
// paths that escape the root
func CleanRel(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, `\`) {
		return "", fmt.Errorf("path %q must be relative to the project root", rel)
	}

	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == "." {
		return "", fmt.Errorf("path %q points at the project root itself", rel)
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the project root", rel)
	}
	return clean, nil
}

// Resolve joins a root-relative path onto root after validating it
func Resolve(root, rel string) (string, error) {
	clean, err := CleanRel(rel)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, clean), nil
}

// Within reports whether rel equals base or lies below it; both are
// root-relative and already cleaned
func Within(rel, base string) bool {
	if rel == base {
		return true
	}
	return strings.HasPrefix(rel, base+string(filepath.Separator))
}
