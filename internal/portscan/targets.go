package portscan

import (
	"encoding/binary"
	"iter"
	"net/netip"
	"strconv"
	"strings"
)

const (
	minPort = 1
	maxPort = 65535
)

// TargetRange 描述 [起始IP, 结束IP] x [起始端口, 结束端口], 两端都包含
type TargetRange struct {
	ipStart   uint32
	ipEnd     uint32
	portStart uint16
	portEnd   uint16
}

// NewTargetRange 校验并创建目标范围
func NewTargetRange(ipStart, ipEnd netip.Addr, portStart, portEnd int) (*TargetRange, error) {
	start, err := ipv4ToUint32("ip_start", ipStart)
	if err != nil {
		return nil, err
	}
	end, err := ipv4ToUint32("ip_end", ipEnd)
	if err != nil {
		return nil, err
	}
	if start > end {
		return nil, rangeError("ip_start", ipStart.String(), "start address is greater than end address "+ipEnd.String())
	}
	if portStart < minPort || portStart > maxPort {
		return nil, rangeError("port_start", strconv.Itoa(portStart), "port must be in 1-65535")
	}
	if portEnd < minPort || portEnd > maxPort {
		return nil, rangeError("port_end", strconv.Itoa(portEnd), "port must be in 1-65535")
	}
	if portStart > portEnd {
		return nil, rangeError("port_start", strconv.Itoa(portStart), "start port is greater than end port "+strconv.Itoa(portEnd))
	}
	return &TargetRange{
		ipStart:   start,
		ipEnd:     end,
		portStart: uint16(portStart),
		portEnd:   uint16(portEnd),
	}, nil
}

// ParseTargetRange 从点分十进制字符串创建目标范围
func ParseTargetRange(ipStart, ipEnd string, portStart, portEnd int) (*TargetRange, error) {
	start, err := parseIPv4("ip_start", ipStart)
	if err != nil {
		return nil, err
	}
	end, err := parseIPv4("ip_end", ipEnd)
	if err != nil {
		return nil, err
	}
	return NewTargetRange(start, end, portStart, portEnd)
}

func parseIPv4(field, s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, rangeError(field, s, "not an IPv4 address")
	}
	return addr, nil
}

func ipv4ToUint32(field string, a netip.Addr) (uint32, error) {
	a = a.Unmap()
	if !a.Is4() {
		return 0, rangeError(field, a.String(), "only IPv4 addresses are supported")
	}
	b := a.As4()
	return binary.BigEndian.Uint32(b[:]), nil
}

func uint32ToIPv4(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

// HostCount 主机数量
func (r *TargetRange) HostCount() uint64 {
	return uint64(r.ipEnd) - uint64(r.ipStart) + 1
}

// PortCount 每台主机的端口数量
func (r *TargetRange) PortCount() uint64 {
	return uint64(r.portEnd) - uint64(r.portStart) + 1
}

// Total 目标总数 = 主机数 x 端口数
func (r *TargetRange) Total() uint64 {
	return r.HostCount() * r.PortCount()
}

// Start 第一个目标
func (r *TargetRange) Start() Target {
	return Target{Host: uint32ToIPv4(r.ipStart), Port: r.portStart}
}

// End 最后一个目标
func (r *TargetRange) End() Target {
	return Target{Host: uint32ToIPv4(r.ipEnd), Port: r.portEnd}
}

func (r *TargetRange) String() string {
	return r.Start().Host.String() + "-" + r.End().Host.String() +
		":" + strconv.Itoa(int(r.portStart)) + "-" + strconv.Itoa(int(r.portEnd))
}

// Cursor 返回一个从头开始的惰性游标
func (r *TargetRange) Cursor() *Cursor {
	return &Cursor{r: r, host: uint64(r.ipStart), port: uint32(r.portStart)}
}

// All 按外层主机、内层端口的升序遍历所有目标
func (r *TargetRange) All() iter.Seq[Target] {
	return func(yield func(Target) bool) {
		c := r.Cursor()
		for {
			t, ok := c.Next()
			if !ok || !yield(t) {
				return
			}
		}
	}
}

// Cursor 目标序列游标, 非并发安全, 由调度器独占
type Cursor struct {
	r    *TargetRange
	host uint64
	port uint32
}

// Next 取下一个目标, 耗尽时返回 false
func (c *Cursor) Next() (Target, bool) {
	if c.host > uint64(c.r.ipEnd) {
		return Target{}, false
	}
	t := Target{Host: uint32ToIPv4(uint32(c.host)), Port: uint16(c.port)}
	c.port++
	if c.port > uint32(c.r.portEnd) {
		c.port = uint32(c.r.portStart)
		c.host++
	}
	return t, true
}
