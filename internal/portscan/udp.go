package portscan

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const (
	protocolICMP   = 1
	protocolUDP    = 17
	maxDatagramLen = 4096
)

// UDPProber UDP 探测
// 应用层应答 => 开放; ICMP 端口不可达 => 关闭; 无响应 => 开放或被过滤
type UDPProber struct {
	available     bool
	serviceProbes bool
	listen        PacketListener
	dial          func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewUDPProber available 为启动时检查一次的原始套接字能力(接收 ICMP 需要)
func NewUDPProber(available, serviceProbes bool) *UDPProber {
	var d net.Dialer
	return &UDPProber{
		available:     available,
		serviceProbes: serviceProbes,
		listen:        listenRaw,
		dial:          d.DialContext,
	}
}

func (p *UDPProber) Technique() Technique { return TechniqueUDP }

type udpVerdict struct {
	state  PortState
	banner string
	err    error
	at     time.Time
	final  bool
}

// Probe 没有权限时直接返回 Unsupported, 不做任何网络 I/O
func (p *UDPProber) Probe(ctx context.Context, t Target, timeout time.Duration) Result {
	if !p.available {
		return newResult(t, StateUnsupported)
	}

	icmpConn, err := p.listen("ip4:icmp", "0.0.0.0")
	if err != nil {
		return errorResult(t, err)
	}
	defer icmpConn.Close()

	conn, err := p.dial(ctx, "udp4", t.String())
	if err != nil {
		if isConnRefused(err) {
			return newResult(t, StateClosed)
		}
		return errorResult(t, err)
	}
	defer conn.Close()
	localPort := 0
	if la, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		localPort = la.Port
	}

	deadline := time.Now().Add(timeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return errorResult(t, err)
	}
	if err := icmpConn.SetReadDeadline(deadline); err != nil {
		return errorResult(t, err)
	}
	stop := context.AfterFunc(ctx, func() {
		now := time.Now()
		_ = conn.SetReadDeadline(now)
		_ = icmpConn.SetReadDeadline(now)
	})
	defer stop()

	start := time.Now()
	if _, err := conn.Write(udpPayload(t.Port, p.serviceProbes)); err != nil {
		if isConnRefused(err) {
			return newResult(t, StateClosed)
		}
		return errorResult(t, err)
	}

	verdicts := make(chan udpVerdict, 2)
	go awaitUDPReply(conn, t, verdicts)
	go awaitUnreachable(icmpConn, t, uint16(localPort), verdicts)

	for range 2 {
		v := <-verdicts
		if !v.final {
			continue
		}
		if v.err != nil {
			return errorResult(t, v.err)
		}
		res := newResult(t, v.state)
		res.Banner = v.banner
		res.RTT = v.at.Sub(start)
		res.HasRTT = true
		return res
	}
	// 静默: 开放但服务不回应, 或被过滤, 无法区分
	return newResult(t, StateOpenOrFiltered)
}

func awaitUDPReply(conn net.Conn, t Target, out chan<- udpVerdict) {
	buf := make([]byte, maxDatagramLen)
	n, err := conn.Read(buf)
	at := time.Now()
	switch {
	case err == nil:
		out <- udpVerdict{state: StateOpen, banner: summarizeUDPReply(t, buf[:n]), at: at, final: true}
	case isConnRefused(err):
		// 内核把 ICMP 端口不可达转成了 ECONNREFUSED
		out <- udpVerdict{state: StateClosed, at: at, final: true}
	case isTimeout(err):
		out <- udpVerdict{}
	default:
		out <- udpVerdict{err: err, final: true}
	}
}

func awaitUnreachable(conn net.PacketConn, t Target, localPort uint16, out chan<- udpVerdict) {
	buf := make([]byte, maxDatagramLen)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			// 超时或连接已关闭, 交给 UDP 一侧判断
			out <- udpVerdict{}
			return
		}
		if addr, ok := ipAddr(from); !ok || addr != t.Host {
			continue
		}
		state, banner, ok := matchICMPReply(buf[:n], t, localPort)
		if !ok {
			continue
		}
		out <- udpVerdict{state: state, banner: banner, at: time.Now(), final: true}
		return
	}
}

// matchICMPReply 解析 ICMP 报文, 只接受引用了我们发出的数据报的差错报文
func matchICMPReply(data []byte, t Target, localPort uint16) (PortState, string, bool) {
	msg, err := icmp.ParseMessage(protocolICMP, data)
	if err != nil {
		return 0, "", false
	}
	var quoted []byte
	switch body := msg.Body.(type) {
	case *icmp.DstUnreach:
		quoted = body.Data
	case *icmp.TimeExceeded:
		quoted = body.Data
	case *icmp.ParamProb:
		quoted = body.Data
	default:
		return 0, "", false
	}
	if !quotesDatagram(quoted, t, localPort) {
		return 0, "", false
	}
	if msg.Type == ipv4.ICMPTypeDestinationUnreachable && msg.Code == 3 {
		return StateClosed, "", true
	}
	return StateOpen, fmt.Sprintf("ICMP %v code %d", msg.Type, msg.Code), true
}

// quotesDatagram 检查被引用的 IP 头和 UDP 头是否属于本次探测
func quotesDatagram(quoted []byte, t Target, localPort uint16) bool {
	h, err := ipv4.ParseHeader(quoted)
	if err != nil || h.Protocol != protocolUDP {
		return false
	}
	if !h.Dst.Equal(addrIP(t.Host)) {
		return false
	}
	if len(quoted) < h.Len+4 {
		return false
	}
	udp := quoted[h.Len:]
	srcPort := binary.BigEndian.Uint16(udp[0:2])
	dstPort := binary.BigEndian.Uint16(udp[2:4])
	if dstPort != t.Port {
		return false
	}
	return localPort == 0 || srcPort == localPort
}
