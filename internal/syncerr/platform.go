package syncerr

import (
	"errors"
	"io/fs"
	"syscall"
)

func isPermission(err error) bool {
	return errors.Is(err, fs.ErrPermission)
}

func isDiskFull(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.ENOSPC || errno == syscall.EDQUOT
	}
	return false
}
