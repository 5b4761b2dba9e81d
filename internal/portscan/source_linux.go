//go:build linux
// +build linux

package portscan

import (
	"net/netip"
	"sync"

	"github.com/google/gopacket/routing"
)

var kernelRoutes = sync.OnceValues(routing.New)

// defaultSourceAddr 查内核路由表取首选源地址, 失败时退回 UDP connect
func defaultSourceAddr(dst netip.Addr) (netip.Addr, error) {
	if dst.IsLoopback() {
		return dst, nil
	}
	if router, err := kernelRoutes(); err == nil {
		if _, _, src, err := router.Route(addrIP(dst)); err == nil {
			if a, ok := netip.AddrFromSlice(src); ok && a.Unmap().Is4() && !a.IsUnspecified() {
				return a.Unmap(), nil
			}
		}
	}
	return udpSourceAddr(dst)
}
