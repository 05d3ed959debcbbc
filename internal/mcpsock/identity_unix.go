//go:build unix

package mcpsock

import (
	"errors"

	"golang.org/x/sys/unix"
)

// fileID identifies the inode backing the socket path.
type fileID struct {
	dev uint64
	ino uint64
}

func statID(path string) (fileID, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return fileID{}, err
	}
	return fileID{dev: uint64(st.Dev), ino: uint64(st.Ino)}, nil
}

func sameFile(a, b fileID) bool { return a == b }

// processAlive reports whether pid names a running process. EPERM means it
// exists but belongs to someone else.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
