// Package idhash derives the stable workspace identifier used to scope the
// broker's singleton lock (see internal/lock).
package idhash

import (
	"crypto/md5"
	"encoding/hex"
	"path/filepath"
)

// Workspace returns the MD5 hex digest of the absolute form of root.
// Two broker processes pointed at the same workspace root, even via
// different relative paths, resolve to the same workspace ID.
func Workspace(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	sum := md5.Sum([]byte(abs))
	return hex.EncodeToString(sum[:]), nil
}
