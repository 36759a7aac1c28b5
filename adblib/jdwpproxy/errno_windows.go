//go:build windows

package jdwpproxy

import (
	"errors"

	"golang.org/x/sys/windows"
)

func isAddrInUse(err error) bool {
	return errors.Is(err, windows.WSAEADDRINUSE)
}

func isConnRefused(err error) bool {
	return errors.Is(err, windows.WSAECONNREFUSED)
}
