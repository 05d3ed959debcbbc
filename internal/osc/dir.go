package osc

import (
	"path/filepath"
)

// NormalizeDir puts a directory into the canonical form used to compare OSC 7
// reports with polled values: symlinks resolved, cleaned, no trailing slash.
// If the path cannot be resolved it is only cleaned.
func NormalizeDir(dir string) string {
	if dir == "" {
		return ""
	}
	clean := filepath.Clean(dir)
	if resolved, err := filepath.EvalSymlinks(clean); err == nil {
		clean = resolved
	}
	return clean
}
