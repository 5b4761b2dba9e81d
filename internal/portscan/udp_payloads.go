package portscan

import (
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"strings"

	"github.com/gosnmp/gosnmp"
	"github.com/miekg/dns"
)

// genericUDPPayload 不认识的端口发送单字节负载
var genericUDPPayload = []byte("X")

const snmpSysDescr = ".1.3.6.1.2.1.1.1.0"

// udpPayload 选择发往 port 的负载
func udpPayload(port uint16, serviceProbes bool) []byte {
	if serviceProbes {
		if b := servicePayload(port); len(b) > 0 {
			return b
		}
	}
	return genericUDPPayload
}

func servicePayload(port uint16) []byte {
	switch port {
	case 53, 5353:
		return dnsPayload()
	case 123:
		return ntpPayload()
	case 161:
		return snmpPayload()
	}
	return nil
}

// dnsPayload ". IN NS" 查询, 任何 DNS 服务都会应答
func dnsPayload() []byte {
	m := new(dns.Msg)
	m.SetQuestion(".", dns.TypeNS)
	m.RecursionDesired = false
	b, err := m.Pack()
	if err != nil {
		return nil
	}
	return b
}

// ntpPayload 48 字节 NTPv3 客户端请求
func ntpPayload() []byte {
	b := make([]byte, 48)
	b[0] = 0x1b // LI=0 VN=3 Mode=3
	return b
}

// snmpPayload v2c public get sysDescr.0
func snmpPayload() []byte {
	pkt := &gosnmp.SnmpPacket{
		Version:   gosnmp.Version2c,
		Community: "public",
		PDUType:   gosnmp.GetRequest,
		RequestID: rand.Uint32(),
		Variables: []gosnmp.SnmpPDU{{Name: snmpSysDescr, Type: gosnmp.Null}},
		Logger:    gosnmp.NewLogger(log.New(io.Discard, "", 0)),
	}
	b, err := pkt.MarshalMsg()
	if err != nil {
		return nil
	}
	return b
}

const maxSummaryText = 64

// summarizeUDPReply 生成 UDP 应答摘要作为 banner
func summarizeUDPReply(t Target, payload []byte) string {
	if t.Port == 53 || t.Port == 5353 {
		m := new(dns.Msg)
		if err := m.Unpack(payload); err == nil && m.Response {
			return fmt.Sprintf("UDP %s DNS %s answers=%d authority=%d",
				t, dns.RcodeToString[m.Rcode], len(m.Answer), len(m.Ns))
		}
	}
	return fmt.Sprintf("UDP %s len=%d %q", t, len(payload), printablePrefix(payload))
}

func printablePrefix(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		if sb.Len() >= maxSummaryText {
			break
		}
		if c >= 0x20 && c < 0x7f {
			sb.WriteByte(c)
		} else {
			sb.WriteByte('.')
		}
	}
	return sb.String()
}
