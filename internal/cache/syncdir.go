package cache

import (
	"errors"
	"runtime"
	"syscall"
)

func isNoSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}

// Windows cannot fsync a directory handle.
func isUnsupportedSync(err error) bool {
	return runtime.GOOS == "windows" || errors.Is(err, syscall.EINVAL)
}
