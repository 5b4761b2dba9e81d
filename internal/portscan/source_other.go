//go:build !linux
// +build !linux

package portscan

import "net/netip"

func defaultSourceAddr(dst netip.Addr) (netip.Addr, error) {
	if dst.IsLoopback() {
		return dst, nil
	}
	return udpSourceAddr(dst)
}
