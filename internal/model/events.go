package model

import (
	"io"
	"time"
)

const (
	ActionAdd    = "add"
	ActionRemove = "remove"

	DeviceUDisk         = "udisk"
	DeviceBadUSBSuspect = "BADUSB_SUSPECT"
	DeviceOther         = "other"
)

// USBEvent 硬件插拔事件
type USBEvent struct {
	Action     string // "add", "remove"
	DevicePath string // e.g., /dev/sdb1
	MountPoint string // e.g., /media/usb
	BusID      string // e.g., 1-1.2，用于 sysfs 禁用
	VendorID   string
	ProductID  string
	Product    string
	Serial     string
	DeviceType string // "udisk", "BADUSB_SUSPECT", "other"
	TimeStamp  time.Time
}

type FileEvent struct {
	PID       int32  // 进程ID
	ProcName  string // 进程名
	FilePath  string
	Operation string
	Decision  string // 仅权限事件: "allow" / "deny"
	TimeStamp time.Time
}

// AccessRequest 一次待裁决的文件访问（权限事件）
type AccessRequest struct {
	PID       int
	ProcName  string
	Path      string
	Operation string
	Exec      bool
	// Content 读取被访问文件的内容，不改变文件偏移
	Content io.ReaderAt
}

// Verdict 对 AccessRequest 的裁决
type Verdict struct {
	Deny   bool
	Audit  bool
	Rule   string
	Reason string
}

func (v Verdict) Decision() string {
	if v.Deny {
		return "deny"
	}
	return "allow"
}
