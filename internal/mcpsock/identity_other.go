//go:build !unix

package mcpsock

import "os"

type fileID struct {
	info os.FileInfo
}

func statID(path string) (fileID, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileID{}, err
	}
	return fileID{info: info}, nil
}

func sameFile(a, b fileID) bool {
	if a.info == nil || b.info == nil {
		return false
	}
	return os.SameFile(a.info, b.info)
}

// processAlive cannot probe other processes here; logs are kept.
func processAlive(pid int) bool { return true }
