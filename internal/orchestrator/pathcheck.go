package orchestrator

import (
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/agentgate/agentgate/internal/common/errors"
)

// systemRoots are never acceptable working directories, regardless of the
// configured workspace root.
var systemRoots = []string{"/etc", "/usr", "/bin", "/sbin", "/sys", "/proc", "/root"}

// ValidateWorkingDirectory checks a client-supplied working directory against
// the configured workspace root and returns the cleaned path.
func ValidateWorkingDirectory(workspaceRoot, path string) (string, error) {
	if path == "" {
		return "", apperrors.InvalidPath("working directory is required")
	}
	if strings.Contains(path, "..") || strings.Contains(path, "~") {
		return "", apperrors.InvalidPath("working directory must not contain '..' or '~'")
	}
	if !filepath.IsAbs(path) {
		return "", apperrors.InvalidPath("working directory must be an absolute path")
	}

	path = filepath.Clean(path)

	for _, root := range systemRoots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return "", apperrors.ForbiddenPath(path)
		}
	}

	root := filepath.Clean(workspaceRoot)
	if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", apperrors.ForbiddenPath(path)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", apperrors.DirectoryNotFound(path)
		}
		return "", apperrors.InvalidPath("working directory is not accessible")
	}
	if !info.IsDir() {
		return "", apperrors.NotADirectory(path)
	}

	return path, nil
}
