//go:build unix

package jdwpproxy

import (
	"errors"

	"golang.org/x/sys/unix"
)

func isAddrInUse(err error) bool {
	return errors.Is(err, unix.EADDRINUSE)
}

func isConnRefused(err error) bool {
	return errors.Is(err, unix.ECONNREFUSED)
}
