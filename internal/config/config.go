// Package config 加载扫描配置: 默认值 < 配置文件 < .env < 环境变量 < 命令行参数
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"MscannerGo/internal/logging"
	"MscannerGo/internal/portscan"
)

// EnvPrefix 环境变量前缀, scan.ip_start 对应 MSCANNER_SCAN_IP_START
const EnvPrefix = "MSCANNER"

// Config 完整配置
type Config struct {
	Scan    ScanConfig     `mapstructure:"scan"`
	Log     logging.Config `mapstructure:"log"`
	Metrics MetricsConfig  `mapstructure:"metrics"`
}

// ScanConfig 一次扫描的参数
type ScanConfig struct {
	IPStart              string  `mapstructure:"ip_start" validate:"required,ipv4"`
	IPEnd                string  `mapstructure:"ip_end" validate:"required,ipv4"`
	PortStart            int     `mapstructure:"port_start" validate:"min=1,max=65535"`
	PortEnd              int     `mapstructure:"port_end" validate:"min=1,max=65535"`
	TimeoutSeconds       float64 `mapstructure:"timeout" validate:"gt=0"`
	Technique            string  `mapstructure:"technique" validate:"oneof=connect syn udp tcp stealth"`
	Banner               bool    `mapstructure:"banner"`
	BannerTimeoutSeconds float64 `mapstructure:"banner_timeout" validate:"gt=0"`
	Concurrency          int     `mapstructure:"concurrency" validate:"min=1,max=10000"`
	UDPServiceProbes     bool    `mapstructure:"udp_service_probes"`
	ShowClosed           bool    `mapstructure:"show_closed"`
}

// MetricsConfig 为空时不启动 /metrics
type MetricsConfig struct {
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

// Timeout 单个探测的超时
func (c ScanConfig) Timeout() time.Duration {
	return seconds(c.TimeoutSeconds)
}

// BannerTimeout 读取 banner 的超时
func (c ScanConfig) BannerTimeout() time.Duration {
	return seconds(c.BannerTimeoutSeconds)
}

// TargetRange 按配置构造目标范围
func (c ScanConfig) TargetRange() (*portscan.TargetRange, error) {
	return portscan.ParseTargetRange(c.IPStart, c.IPEnd, c.PortStart, c.PortEnd)
}

// TechniqueValue 解析后的探测方式
func (c ScanConfig) TechniqueValue() (portscan.Technique, error) {
	return portscan.ParseTechnique(c.Technique)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// SetDefaults 写入默认值, 环境变量只覆盖有默认值的键
func SetDefaults(v *viper.Viper) {
	v.SetDefault("scan.ip_start", "127.0.0.1")
	v.SetDefault("scan.ip_end", "127.0.0.1")
	v.SetDefault("scan.port_start", 1)
	v.SetDefault("scan.port_end", 1024)
	v.SetDefault("scan.timeout", 1.0)
	v.SetDefault("scan.technique", portscan.TechniqueConnect.String())
	v.SetDefault("scan.banner", true)
	v.SetDefault("scan.banner_timeout", portscan.DefaultBannerTimeout.Seconds())
	v.SetDefault("scan.concurrency", portscan.DefaultConcurrency)
	v.SetDefault("scan.udp_service_probes", true)
	v.SetDefault("scan.show_closed", false)

	def := logging.DefaultConfig()
	v.SetDefault("log.level", def.Level)
	v.SetDefault("log.format", def.Format)
	v.SetDefault("log.output", def.Output)
	v.SetDefault("log.file", def.File)
	v.SetDefault("log.max_size_mb", def.MaxSizeMB)
	v.SetDefault("log.max_backups", def.MaxBackups)
	v.SetDefault("log.max_age_days", def.MaxAgeDays)
	v.SetDefault("log.compress", def.Compress)

	v.SetDefault("metrics.addr", "")
}

// NewViper 创建带默认值和环境变量绑定的 viper 实例
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFiles 加载 .env 和可选的 YAML 配置文件
// configFile 为空时在当前目录查找 mscanner.yaml, 找不到不算错误
func ReadFiles(v *viper.Viper, configFile string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configFile, err)
		}
		return nil
	}

	v.SetConfigName("mscanner")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Load 解析并校验配置
// 地址和端口问题返回 *portscan.InvalidRangeError, 其余包装 portscan.ErrInvalidConfig
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", portscan.ErrInvalidConfig, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// rangeFields 这些字段的校验失败归类为范围错误
var rangeFields = map[string]bool{
	"ip_start":   true,
	"ip_end":     true,
	"port_start": true,
	"port_end":   true,
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate 字段校验后再构造一次目标范围做跨字段检查, 扫描方式不区分大小写
func Validate(cfg *Config) error {
	cfg.Scan.Technique = strings.ToLower(strings.TrimSpace(cfg.Scan.Technique))
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", portscan.ErrInvalidConfig, err)
		}
		return classify(verrs)
	}
	if _, err := cfg.Scan.TargetRange(); err != nil {
		return err
	}
	return nil
}

func classify(verrs validator.ValidationErrors) error {
	// 范围错误优先
	for _, fe := range verrs {
		if rangeFields[fe.Field()] {
			return &portscan.InvalidRangeError{
				Field:  fe.Field(),
				Value:  fmt.Sprint(fe.Value()),
				Reason: reason(fe),
			}
		}
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Namespace(), reason(fe)))
	}
	return fmt.Errorf("%w: %s", portscan.ErrInvalidConfig, strings.Join(msgs, "; "))
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "ipv4":
		return "not an IPv4 address"
	case "min", "max":
		if strings.HasPrefix(fe.Field(), "port_") {
			return "port must be in 1-65535"
		}
		return fmt.Sprintf("must satisfy %s=%s", fe.Tag(), fe.Param())
	case "gt":
		return "must be greater than " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "hostname_port":
		return "must be host:port"
	}
	return fmt.Sprintf("failed %s validation", fe.Tag())
}
