package main

import (
	"runtime"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"MscannerGo/internal/portscan"
)

func newCapabilitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capabilities",
		Short: "检查当前进程是否可以使用 SYN / UDP 扫描",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := portscan.RawSocketAvailable()
			color.Cyan("[*]平台: %s/%s", runtime.GOOS, runtime.GOARCH)
			color.Green("[+]connect: 可用")
			if raw {
				color.Green("[+]syn: 可用")
				color.Green("[+]udp: 可用")
				return nil
			}
			if err != nil {
				color.Red("[-]原始套接字检查失败: %v", err)
			}
			color.Yellow("[!]syn: 不可用 (需要 root/CAP_NET_RAW)")
			color.Yellow("[!]udp: 不可用 (需要 root/CAP_NET_RAW 接收 ICMP)")
			return nil
		},
	}
}
