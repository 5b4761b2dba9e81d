package portscan

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	ephemeralPortMin = 32768
	ephemeralPortMax = 60999
	synWindow        = 1024
	maxSegmentRead   = 1500
)

// SynProber TCP SYN 半开放扫描
// 发出一个只带 SYN 的报文, 根据唯一一个合格的回包判断状态, 不完成握手
type SynProber struct {
	available bool
	listen    PacketListener
	source    SourceResolver
}

// NewSynProber available 为启动时检查一次的原始套接字能力
func NewSynProber(available bool) *SynProber {
	return &SynProber{
		available: available,
		listen:    listenRaw,
		source:    defaultSourceAddr,
	}
}

func (p *SynProber) Technique() Technique { return TechniqueSYN }

// Probe 没有权限时直接返回 Unsupported, 不做任何网络 I/O
func (p *SynProber) Probe(ctx context.Context, t Target, timeout time.Duration) Result {
	if !p.available {
		return newResult(t, StateUnsupported)
	}

	src, err := p.source(t.Host)
	if err != nil {
		return errorResult(t, fmt.Errorf("resolve source address: %w", err))
	}
	srcPort := uint16(ephemeralPortMin + rand.IntN(ephemeralPortMax-ephemeralPortMin+1))
	seq := rand.Uint32()
	segment, err := buildSYN(src, t, srcPort, seq)
	if err != nil {
		return errorResult(t, fmt.Errorf("build syn segment: %w", err))
	}

	conn, err := p.listen("ip4:tcp", "0.0.0.0")
	if err != nil {
		return errorResult(t, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return errorResult(t, err)
	}
	start := time.Now()
	if _, err := conn.WriteTo(segment, &net.IPAddr{IP: addrIP(t.Host)}); err != nil {
		return errorResult(t, permissionHint(err))
	}

	buf := make([]byte, maxSegmentRead)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				return newResult(t, StateFilteredOrTimeout)
			}
			return errorResult(t, err)
		}
		state, ok := classifySynReply(buf[:n], from, t, srcPort, seq)
		if !ok {
			// 不相关的报文, 继续等待直到超时
			continue
		}
		res := newResult(t, state)
		res.RTT = time.Since(start)
		res.HasRTT = true
		return res
	}
}

// buildSYN 构造只含 TCP 头的 SYN 报文, IP 头由内核填写
func buildSYN(src netip.Addr, t Target, srcPort uint16, seq uint32) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    addrIP(src),
		DstIP:    addrIP(t.Host),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(t.Port),
		Seq:     seq,
		Window:  synWindow,
		SYN:     true,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	if err := gopacket.SerializeLayers(buf, opts, tcp); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// classifySynReply 只接受来自目标端口、发往我们源端口的报文
// SYN+ACK => 开放, RST => 关闭, 其他报文返回 ok=false
func classifySynReply(data []byte, from net.Addr, t Target, srcPort uint16, seq uint32) (PortState, bool) {
	if addr, ok := ipAddr(from); !ok || addr != t.Host {
		return 0, false
	}
	packet := gopacket.NewPacket(data, layers.LayerTypeTCP, gopacket.NoCopy)
	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return 0, false
	}
	tcp, _ := tcpLayer.(*layers.TCP)
	if uint16(tcp.SrcPort) != t.Port || uint16(tcp.DstPort) != srcPort {
		return 0, false
	}
	if tcp.ACK && tcp.Ack != seq+1 {
		return 0, false
	}
	switch {
	case tcp.SYN && tcp.ACK:
		return StateOpen, true
	case tcp.RST:
		return StateClosed, true
	}
	return 0, false
}
