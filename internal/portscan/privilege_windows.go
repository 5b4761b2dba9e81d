//go:build windows
// +build windows

package portscan

import "errors"

// RawSocketAvailable Windows 版本不支持原始 TCP 套接字
func RawSocketAvailable() (bool, error) {
	return false, errors.New("raw sockets are not supported on Windows in this build")
}
