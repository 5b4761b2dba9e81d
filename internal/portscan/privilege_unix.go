//go:build !windows
// +build !windows

package portscan

import (
	"errors"

	"golang.org/x/sys/unix"
)

// RawSocketAvailable 尝试打开一个原始 IPv4 套接字来判断进程是否有 SYN/UDP 扫描所需的权限
// 调用者在启动时检查一次即可
func RawSocketAvailable() (bool, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_TCP)
	if err != nil {
		if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
			return false, nil
		}
		return false, err
	}
	_ = unix.Close(fd)
	return true, nil
}
