package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"MscannerGo/internal/config"
)

var (
	cfgFile string
	v       = config.NewViper()
)

// 由 ldflags 注入
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "mscannerGo",
	Short: "多协议 IPv4 端口扫描器",
	Long: `mscannerGo 对 IP 范围 x 端口范围做有界并发扫描.
支持 TCP 全连接 (connect)、TCP SYN 半开放 (syn, 需 root) 和 UDP (udp, 需 root) 三种方式.

示例:
  mscannerGo scan --ip-start 192.168.1.1 --ip-end 192.168.1.20 --port-start 1 --port-end 1024
  mscannerGo scan --technique syn --ip-start 10.0.0.1 --port-start 80 --port-end 443
  mscannerGo capabilities`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.ReadFiles(v, cfgFile)
	},
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		color.Red("[-]%v", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径 (默认: ./mscanner.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "日志级别 (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "日志格式 (text, json)")
	bindFlag(v, "log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	bindFlag(v, "log.format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.AddCommand(newScanCmd(v))
	rootCmd.AddCommand(newCapabilitiesCmd())
}

// bindFlag 把命令行参数绑定到配置键, 参数优先级最高
func bindFlag(v *viper.Viper, key string, f *pflag.Flag) {
	if err := v.BindPFlag(key, f); err != nil {
		fmt.Fprintf(os.Stderr, "[-]绑定参数 %s 失败: %v\n", key, err)
	}
}
