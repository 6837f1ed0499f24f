package policy

import (
	"fmt"
	"os"
	"path/filepath"
)

// SysfsRoot 测试时替换
var SysfsRoot = "/sys"

// Deauthorize 通过 sysfs 禁用 USB 设备
// busID 类似于 "1-1.2"
func Deauthorize(busID string) error {
	if busID == "" {
		return fmt.Errorf("deauthorize: empty bus id")
	}
	// 路径: /sys/bus/usb/devices/1-1.2/authorized，写入 "0" 代表物理层级禁用
	path := filepath.Join(SysfsRoot, "bus/usb/devices", busID, "authorized")
	if err := os.WriteFile(path, []byte("0"), 0o644); err != nil {
		return fmt.Errorf("deauthorize %s: %w", busID, err)
	}
	return nil
}
