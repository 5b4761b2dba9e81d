package portscan

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

func listenUDP(t *testing.T, echo bool) Target {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })
	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			if echo {
				_, _ = pc.WriteTo(buf[:n], from)
			}
		}
	}()
	return Target{Host: loopback, Port: uint16(pc.LocalAddr().(*net.UDPAddr).Port)}
}

func closedUDPPort(t *testing.T) Target {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := pc.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, pc.Close())
	return Target{Host: loopback, Port: uint16(port)}
}

func newTestUDPProber(icmpConn *fakePacketConn) (*UDPProber, *countingListener) {
	l := &countingListener{conn: icmpConn}
	var d net.Dialer
	return &UDPProber{available: true, listen: l.listen, dial: d.DialContext}, l
}

// craftUnreachable 构造引用了 src:srcPort -> dst:dstPort 数据报的 ICMP 差错报文
func craftUnreachable(t *testing.T, typ ipv4.ICMPType, code int, src, dst netip.Addr, srcPort, dstPort uint16) []byte {
	t.Helper()
	h := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + 8,
		TTL:      64,
		Protocol: protocolUDP,
		Src:      addrIP(src),
		Dst:      addrIP(dst),
	}
	quoted, err := h.Marshal()
	require.NoError(t, err)
	udp := make([]byte, 8)
	binary.BigEndian.PutUint16(udp[0:2], srcPort)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], 8)
	quoted = append(quoted, udp...)

	var body icmp.MessageBody = &icmp.DstUnreach{Data: quoted}
	if typ == ipv4.ICMPTypeTimeExceeded {
		body = &icmp.TimeExceeded{Data: quoted}
	}
	msg := icmp.Message{Type: typ, Code: code, Body: body}
	b, err := msg.Marshal(nil)
	require.NoError(t, err)
	return b
}

func TestUDPProberUnsupportedWithoutCapability(t *testing.T) {
	l := &countingListener{conn: newFakePacketConn()}
	dialed := false
	p := &UDPProber{
		available: false,
		listen:    l.listen,
		dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			dialed = true
			return nil, nil
		},
	}

	res := p.Probe(context.Background(), Target{Host: loopback, Port: 53}, time.Second)
	assert.Equal(t, StateUnsupported, res.State)
	assert.Zero(t, l.calls())
	assert.False(t, dialed)
}

func TestUDPProberOpenOnReply(t *testing.T) {
	target := listenUDP(t, true)
	p, l := newTestUDPProber(newFakePacketConn())

	res := p.Probe(context.Background(), target, time.Second)
	assert.Equal(t, StateOpen, res.State)
	assert.True(t, res.HasRTT)
	assert.Contains(t, res.Banner, "len=1")
	assert.Equal(t, []string{"ip4:icmp"}, l.networks)
}

func TestUDPProberOpenOrFilteredOnSilence(t *testing.T) {
	target := listenUDP(t, false)
	p, _ := newTestUDPProber(newFakePacketConn())

	start := time.Now()
	res := p.Probe(context.Background(), target, 200*time.Millisecond)
	assert.Equal(t, StateOpenOrFiltered, res.State)
	assert.False(t, res.HasRTT)
	assert.Less(t, time.Since(start), time.Second)
}

func TestUDPProberClosedOnRefused(t *testing.T) {
	target := closedUDPPort(t)
	p, _ := newTestUDPProber(newFakePacketConn())

	res := p.Probe(context.Background(), target, time.Second)
	assert.Equal(t, StateClosed, res.State)
}

func TestUDPProberClosedOnICMPPortUnreachable(t *testing.T) {
	target := listenUDP(t, false)
	icmpConn := newFakePacketConn()
	p, _ := newTestUDPProber(icmpConn)

	var d net.Dialer
	p.dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		conn, err := d.DialContext(ctx, network, address)
		if err != nil {
			return nil, err
		}
		local := uint16(conn.LocalAddr().(*net.UDPAddr).Port)
		from := &net.IPAddr{IP: addrIP(loopback)}
		// 其他端口的差错报文应被忽略
		icmpConn.deliver(fakePacket{
			data: craftUnreachable(t, ipv4.ICMPTypeDestinationUnreachable, 3, loopback, target.Host, local, target.Port+1),
			from: from,
		})
		icmpConn.deliver(fakePacket{
			data: craftUnreachable(t, ipv4.ICMPTypeDestinationUnreachable, 3, loopback, target.Host, local, target.Port),
			from: from,
		})
		return conn, nil
	}

	res := p.Probe(context.Background(), target, 2*time.Second)
	assert.Equal(t, StateClosed, res.State)
	assert.True(t, res.HasRTT)
}

func TestUDPProberContextCancel(t *testing.T) {
	target := listenUDP(t, false)
	p, _ := newTestUDPProber(newFakePacketConn())
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	res := p.Probe(ctx, target, 10*time.Second)
	assert.Equal(t, StateOpenOrFiltered, res.State)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestMatchICMPReply(t *testing.T) {
	host := netip.MustParseAddr("10.0.0.1")
	src := netip.MustParseAddr("10.0.0.2")
	target := Target{Host: host, Port: 161}
	const local = 50000

	tests := []struct {
		name       string
		data       []byte
		want       PortState
		wantOK     bool
		wantBanner string
	}{
		{
			name:   "port unreachable",
			data:   craftUnreachable(t, ipv4.ICMPTypeDestinationUnreachable, 3, src, host, local, 161),
			want:   StateClosed,
			wantOK: true,
		},
		{
			name:       "host prohibited",
			data:       craftUnreachable(t, ipv4.ICMPTypeDestinationUnreachable, 10, src, host, local, 161),
			want:       StateOpen,
			wantOK:     true,
			wantBanner: "code 10",
		},
		{
			name:       "time exceeded",
			data:       craftUnreachable(t, ipv4.ICMPTypeTimeExceeded, 0, src, host, local, 161),
			want:       StateOpen,
			wantOK:     true,
			wantBanner: "time exceeded",
		},
		{
			name: "other destination port",
			data: craftUnreachable(t, ipv4.ICMPTypeDestinationUnreachable, 3, src, host, local, 162),
		},
		{
			name: "other source port",
			data: craftUnreachable(t, ipv4.ICMPTypeDestinationUnreachable, 3, src, host, local+1, 161),
		},
		{
			name: "other host",
			data: craftUnreachable(t, ipv4.ICMPTypeDestinationUnreachable, 3, src, netip.MustParseAddr("10.0.0.9"), local, 161),
		},
		{
			name: "garbage",
			data: []byte{3, 3, 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, banner, ok := matchICMPReply(tt.data, target, local)
			assert.Equal(t, tt.wantOK, ok)
			if !tt.wantOK {
				return
			}
			assert.Equal(t, tt.want, state)
			if tt.wantBanner != "" {
				assert.Contains(t, banner, tt.wantBanner)
			}
		})
	}
}

func TestMatchICMPReplyIgnoresEcho(t *testing.T) {
	msg := icmp.Message{Type: ipv4.ICMPTypeEchoReply, Body: &icmp.Echo{ID: 1, Seq: 1}}
	b, err := msg.Marshal(nil)
	require.NoError(t, err)
	_, _, ok := matchICMPReply(b, Target{Host: loopback, Port: 53}, 0)
	assert.False(t, ok)
}

func TestUDPPayloads(t *testing.T) {
	t.Run("generic without service probes", func(t *testing.T) {
		assert.Equal(t, []byte("X"), udpPayload(53, false))
		assert.Equal(t, []byte("X"), udpPayload(9999, true))
	})

	t.Run("dns", func(t *testing.T) {
		for _, port := range []uint16{53, 5353} {
			m := new(dns.Msg)
			require.NoError(t, m.Unpack(udpPayload(port, true)))
			require.Len(t, m.Question, 1)
			assert.Equal(t, ".", m.Question[0].Name)
			assert.Equal(t, dns.TypeNS, m.Question[0].Qtype)
			assert.False(t, m.Response)
		}
	})

	t.Run("ntp", func(t *testing.T) {
		b := udpPayload(123, true)
		require.Len(t, b, 48)
		assert.Equal(t, byte(0x1b), b[0])
	})

	t.Run("snmp", func(t *testing.T) {
		b := udpPayload(161, true)
		require.NotEmpty(t, b)
		assert.Equal(t, byte(0x30), b[0], "ber sequence")
		assert.True(t, bytes.Contains(b, []byte("public")))
	})
}

func TestSummarizeUDPReply(t *testing.T) {
	q := new(dns.Msg)
	q.SetQuestion(".", dns.TypeNS)
	r := new(dns.Msg)
	r.SetReply(q)
	b, err := r.Pack()
	require.NoError(t, err)

	got := summarizeUDPReply(Target{Host: loopback, Port: 53}, b)
	assert.Contains(t, got, "DNS NOERROR")

	got = summarizeUDPReply(Target{Host: loopback, Port: 7}, []byte("hi\x00there"))
	assert.Equal(t, `UDP 127.0.0.1:7 len=8 "hi.there"`, got)
}
