//go:build linux

// Package config loads the agent configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/Hara602/fanguard/internal/fanotify"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "/etc/fanguard/agent.yaml"

type Config struct {
	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`
	MetricsAddr string `yaml:"metrics_addr"`
	Database    string `yaml:"database"`

	Group GroupConfig `yaml:"group"`
	Watch WatchConfig `yaml:"watch"`
	USB   USBConfig   `yaml:"usb"`
}

// GroupConfig 对应 fanotify_init 的参数，使用名称而不是数值
type GroupConfig struct {
	Class      string   `yaml:"class"`
	Flags      []string `yaml:"flags"`
	EventFlags []string `yaml:"event_flags"`
	BufferSize int      `yaml:"buffer_size"`
}

// WatchConfig 静态监控点
type WatchConfig struct {
	Scope string   `yaml:"scope"`
	Mask  []string `yaml:"mask"`
	Paths []string `yaml:"paths"`
	// 对 OPEN_EXEC_PERM 事件检查文件头是否伪装
	InspectExec bool `yaml:"inspect_exec"`
}

type USBConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Mask         []string      `yaml:"mask"`
	MountTimeout time.Duration `yaml:"mount_timeout"`
	// 黑名单设备：拒绝其挂载点下的所有访问
	DenyBlocked bool `yaml:"deny_blocked"`
	// BadUSB 嫌疑设备：通过 sysfs 禁用
	BlockBadUSB bool `yaml:"block_badusb"`
	// 无序列号设备视为黑名单设备
	BlockNoSerial bool `yaml:"block_no_serial"`
}

func Default() *Config {
	return &Config{
		LogLevel:    "info",
		MetricsAddr: "127.0.0.1:9469",
		Database:    "/var/lib/fanguard/policy.db",
		Group: GroupConfig{
			Class:      "content",
			Flags:      []string{"close_on_exec", "unlimited_queue", "unlimited_marks"},
			EventFlags: []string{"close_on_exec", "large_file"},
			BufferSize: 64 * 1024,
		},
		Watch: WatchConfig{
			Scope:       "mount",
			Mask:        []string{"open_perm", "open_exec_perm", "close_write"},
			InspectExec: true,
		},
		USB: USBConfig{
			Enabled:      true,
			Mask:         []string{"open_perm", "open_exec_perm", "close_write"},
			MountTimeout: 3 * time.Second,
			DenyBlocked:  true,
		},
	}
}

// Load 读取配置文件；文件不存在时使用默认配置
func Load(path string) (*Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	fc, err := c.Fanotify()
	if err != nil {
		return err
	}
	// agent 的 goroutine 运行在不同线程上，按线程识别无法认出自身事件
	if fc.Flags.Has(fanotify.FlagReportTid) {
		return fmt.Errorf("group.flags: report_tid is not supported by the agent")
	}
	if _, err := c.Scope(); err != nil {
		return err
	}
	if c.Group.BufferSize < 4096 {
		return fmt.Errorf("group.buffer_size must be at least 4096, got %d", c.Group.BufferSize)
	}
	masks := map[string][]string{"watch.mask": c.Watch.Mask, "usb.mask": c.USB.Mask}
	for name, names := range masks {
		m, err := fanotify.ParseMask(names)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if m.IsPermission() && fc.Class == fanotify.ClassNotify {
			return fmt.Errorf("%s: permission events need class content or pre_content", name)
		}
	}
	return nil
}

// Fanotify 将 group 配置转换为 fanotify.Config
func (c *Config) Fanotify() (fanotify.Config, error) {
	class, err := fanotify.ParseClass(c.Group.Class)
	if err != nil {
		return fanotify.Config{}, fmt.Errorf("group.class: %w", err)
	}
	flags, err := fanotify.ParseInitFlags(c.Group.Flags)
	if err != nil {
		return fanotify.Config{}, fmt.Errorf("group.flags: %w", err)
	}
	eventFlags, err := fanotify.ParseEventFlags(c.Group.EventFlags)
	if err != nil {
		return fanotify.Config{}, fmt.Errorf("group.event_flags: %w", err)
	}
	return fanotify.Config{
		Class:      class,
		Flags:      flags,
		RW:         fanotify.ReadOnly,
		EventFlags: eventFlags,
	}, nil
}

func (c *Config) Scope() (fanotify.MarkScope, error) {
	s, err := fanotify.ParseScope(c.Watch.Scope)
	if err != nil {
		return 0, fmt.Errorf("watch.scope: %w", err)
	}
	return s, nil
}

func (c *Config) WatchMask() fanotify.Mask {
	m, _ := fanotify.ParseMask(c.Watch.Mask)
	return m
}

func (c *Config) USBMask() fanotify.Mask {
	m, _ := fanotify.ParseMask(c.USB.Mask)
	return m
}
