//go:build !(darwin || linux || freebsd)

package session

import (
	"errors"
	"os"
)

var hangupSignal = os.Kill

func foregroundPID(*os.File) (int, error) {
	return 0, errors.New("foreground process lookup not supported")
}

func processName(int) string { return "" }

func processCwd(int) string { return "" }
