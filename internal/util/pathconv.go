package util

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// LocalToRemote converts a local path under localBase into a POSIX path under
// remoteBase: the relative part is converted to forward slashes and appended
// to remoteBase with a single '/'.
func LocalToRemote(localBase, remoteBase, localPath string) (string, error) {
	rel, err := filepath.Rel(localBase, localPath)
	if err != nil {
		return "", fmt.Errorf("failed to compute relative path from %s to %s: %w", localBase, localPath, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is not under %s", localPath, localBase)
	}

	relPosix := path.Clean(filepath.ToSlash(rel))
	remoteBase = strings.TrimRight(strings.ReplaceAll(remoteBase, "\\", "/"), "/")

	if relPosix == "." {
		return remoteBase, nil
	}
	if remoteBase == "" || remoteBase == "." {
		return relPosix, nil
	}
	return remoteBase + "/" + relPosix, nil
}

// ExpandHome replaces a leading "~" with home.
func ExpandHome(p, home string) string {
	if p == "~" {
		return home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:])
	}
	return p
}
