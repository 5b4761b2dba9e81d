package portscan

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"syscall"
)

// PacketListener 打开原始 IPv4 套接字 ("ip4:tcp" / "ip4:icmp"), 测试时替换为假实现
type PacketListener func(network, address string) (net.PacketConn, error)

func listenRaw(network, address string) (net.PacketConn, error) {
	conn, err := net.ListenPacket(network, address)
	if err != nil {
		return nil, permissionHint(err)
	}
	return conn, nil
}

func permissionHint(err error) error {
	if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EPERM) {
		return fmt.Errorf("%w (requires root/CAP_NET_RAW)", err)
	}
	return err
}

// SourceResolver 给出发往 dst 时本机使用的源地址, SYN 校验和需要
type SourceResolver func(dst netip.Addr) (netip.Addr, error)

// udpSourceAddr 通过 connect 一个 UDP 套接字让内核选路, 不发送任何数据
func udpSourceAddr(dst netip.Addr) (netip.Addr, error) {
	conn, err := net.Dial("udp4", netip.AddrPortFrom(dst, 9).String())
	if err != nil {
		return netip.Addr{}, err
	}
	defer conn.Close()
	ap, err := netip.ParseAddrPort(conn.LocalAddr().String())
	if err != nil {
		return netip.Addr{}, err
	}
	return ap.Addr().Unmap(), nil
}

func addrIP(a netip.Addr) net.IP {
	return net.IP(a.AsSlice())
}

func ipAddr(a net.Addr) (netip.Addr, bool) {
	switch v := a.(type) {
	case *net.IPAddr:
		ip, ok := netip.AddrFromSlice(v.IP)
		return ip.Unmap(), ok
	case *net.UDPAddr:
		ip, ok := netip.AddrFromSlice(v.IP)
		return ip.Unmap(), ok
	}
	return netip.Addr{}, false
}
