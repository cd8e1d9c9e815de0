// Package diskspace reports free space on the filesystem holding a path.
package diskspace

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Info describes the filesystem holding a path.
type Info struct {
	Total     uint64 `json:"total"`
	Free      uint64 `json:"free"`
	Available uint64 `json:"available"` // usable by non-root users
	UsedPct   int    `json:"used_pct"`
}

// Probe stats the filesystem of path. A path that does not exist yet is
// resolved to its nearest existing ancestor.
func Probe(path string) (*Info, error) {
	dir, err := existingAncestor(path)
	if err != nil {
		return nil, err
	}
	total, free, available, err := stat(dir)
	if err != nil {
		return nil, err
	}
	info := &Info{Total: total, Free: free, Available: available}
	if total > 0 {
		info.UsedPct = int(100 * (total - free) / total)
	}
	return info, nil
}

func existingAncestor(path string) (string, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		_, err := os.Stat(path)
		if err == nil {
			return path, nil
		}
		parent := filepath.Dir(path)
		if !errors.Is(err, fs.ErrNotExist) || parent == path {
			return "", err
		}
		path = parent
	}
}
