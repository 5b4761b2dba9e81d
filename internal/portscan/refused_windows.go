//go:build windows
// +build windows

package portscan

import (
	"errors"
	"syscall"

	"golang.org/x/sys/windows"
)

// isConnRefused Winsock 返回 WSAECONNREFUSED, 不等于 syscall.ECONNREFUSED
func isConnRefused(err error) bool {
	return errors.Is(err, windows.WSAECONNREFUSED) || errors.Is(err, syscall.ECONNREFUSED)
}
