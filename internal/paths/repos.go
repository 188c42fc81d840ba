// Package paths provides path resolution utilities.
package paths

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrRepositoryNotFound is returned when the named repository directory
// does not exist under the repositories root.
var ErrRepositoryNotFound = errors.New("repository not found")

// ErrRepositoryEscapesRoot is returned when a repository name resolves
// outside the configured root (e.g. "../../etc").
var ErrRepositoryEscapesRoot = errors.New("repository path escapes repositories root")

// ResolveRepository resolves a repository name against the configured root.
//
// Input handling:
//   - name "" -> the root itself (single-repo deployments)
//   - "myrepo" -> "<root>/myrepo"
//   - "team/myrepo" -> "<root>/team/myrepo"
//   - anything resolving outside root -> ErrRepositoryEscapesRoot
//
// The resolved directory must exist; otherwise ErrRepositoryNotFound.
func ResolveRepository(root, name string) (string, error) {
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return "", fmt.Errorf("resolving repositories root: %w", err)
	}

	if name == "" {
		if err := requireDir(absRoot); err != nil {
			return "", err
		}
		return absRoot, nil
	}

	resolved := filepath.Join(absRoot, filepath.Clean("/"+name))
	if resolved != absRoot && !strings.HasPrefix(resolved, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrRepositoryEscapesRoot, name)
	}

	if err := requireDir(resolved); err != nil {
		return "", err
	}
	return resolved, nil
}

func requireDir(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrRepositoryNotFound, path)
	}
	if err != nil {
		return fmt.Errorf("checking repository path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrRepositoryNotFound, path)
	}
	return nil
}
