// Package watcher 监听 USB 存储设备的插拔并等待其挂载
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Hara602/fanguard/internal/analysis"
	"github.com/Hara602/fanguard/internal/model"
	"go.uber.org/zap"
)

// DeviceWatcher 定义接口
type DeviceWatcher interface {
	// Start 开始监听；ctx 结束或调用 Stop 后停止发送事件
	Start(ctx context.Context) (<-chan model.USBEvent, error)
	Stop()
}

type Options struct {
	Log *zap.Logger
	// MountTimeout 设备出现后等待挂载的最长时间
	MountTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.MountTimeout <= 0 {
		o.MountTimeout = 3 * time.Second
	}
}

// sysRoot 测试时替换
var sysRoot = "/sys"

// deviceFromSysfs 从 USB 设备根目录采集设备信息
func deviceFromSysfs(usbRoot string) model.USBEvent {
	_, devType := analysis.CheckBadUSB(usbRoot)
	return model.USBEvent{
		BusID:      filepath.Base(usbRoot),
		VendorID:   readFile(filepath.Join(usbRoot, "idVendor")),
		ProductID:  readFile(filepath.Join(usbRoot, "idProduct")),
		Serial:     readFile(filepath.Join(usbRoot, "serial")),
		Product:    readFile(filepath.Join(usbRoot, "product")),
		DeviceType: devType,
	}
}

// findUSBRoot 向上查找包含 idVendor 的目录（即 USB Device 根目录）
func findUSBRoot(path string) (string, bool) {
	dir := path
	// 向上回溯最多 10 层，通常 USB 设备在 sysfs 树的上层
	for range 10 {
		dir = filepath.Dir(dir)
		if dir == "/" || dir == "." || dir == sysRoot {
			break
		}
		if _, err := os.Stat(filepath.Join(dir, "idVendor")); err == nil {
			return dir, true
		}
	}
	return "", false
}

// readFile 读取 sysfs 属性；不存在时返回 ""
func readFile(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func devPath(name string) string {
	if name == "" || strings.HasPrefix(name, "/dev/") {
		return name
	}
	return "/dev/" + name
}
