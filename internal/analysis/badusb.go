package analysis

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/Hara602/fanguard/internal/model"
)

// USB 接口类别 (bInterfaceClass)
const (
	classHID     = "03"
	classStorage = "08"
)

// CheckBadUSB 如果一个 USB 设备树下同时拥有 08(存储) 和 03(HID) 接口，则判定为 BadUSB
// usbRoot 是 sysfs 中包含 idVendor 的设备目录
func CheckBadUSB(usbRoot string) (bool, string) {
	entries, err := os.ReadDir(usbRoot)
	if err != nil {
		return false, model.DeviceOther
	}
	var hasStorage, hasHID bool
	for _, e := range entries {
		// 接口目录，例如 1-1:1.0
		if !strings.Contains(e.Name(), ":") {
			continue
		}
		content, _ := os.ReadFile(filepath.Join(usbRoot, e.Name(), "bInterfaceClass"))
		switch strings.TrimSpace(string(content)) {
		case classHID:
			hasHID = true
		case classStorage:
			hasStorage = true
		}
	}
	switch {
	case hasStorage && hasHID:
		return true, model.DeviceBadUSBSuspect
	case hasStorage:
		return false, model.DeviceUDisk
	}
	return false, model.DeviceOther
}
