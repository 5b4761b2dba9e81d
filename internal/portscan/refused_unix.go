//go:build !windows
// +build !windows

package portscan

import (
	"errors"
	"syscall"
)

// isConnRefused TCP 收到 RST, 或已连接的 UDP 套接字收到 ICMP 端口不可达
func isConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
