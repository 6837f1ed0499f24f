//go:build linux

package main

import (
	"context"

	"github.com/Hara602/fanguard/internal/config"
	"github.com/Hara602/fanguard/internal/fanotify"
	"github.com/Hara602/fanguard/internal/metrics"
	"github.com/Hara602/fanguard/internal/model"
	"github.com/Hara602/fanguard/internal/policy"
	"go.uber.org/zap"
)

type deviceLookup interface {
	Blocked(ctx context.Context, vid, pid, serial string, blockNoSerial bool) (bool, string, error)
}

type mountPolicy interface {
	DenyMount(mountPath, reason string)
	AllowMount(mountPath string)
}

type watchSet interface {
	AddWatch(path string, mask fanotify.Mask) error
	RemoveWatch(path string) error
}

// usbHandler 把插拔事件转换为监控点与挂载点策略
type usbHandler struct {
	devices     deviceLookup
	policy      mountPolicy
	watches     watchSet
	cfg         config.USBConfig
	mask        fanotify.Mask
	log         *zap.Logger
	deauthorize func(busID string) error

	// 设备节点 -> 挂载点
	mounts map[string]string
}

func newUSBHandler(devices deviceLookup, p mountPolicy, watches watchSet, cfg config.USBConfig, mask fanotify.Mask, log *zap.Logger) *usbHandler {
	return &usbHandler{
		devices:     devices,
		policy:      p,
		watches:     watches,
		cfg:         cfg,
		mask:        mask,
		log:         log,
		deauthorize: policy.Deauthorize,
		mounts:      make(map[string]string),
	}
}

func (h *usbHandler) run(ctx context.Context, events <-chan model.USBEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			h.handle(ctx, ev)
		}
	}
}

func (h *usbHandler) handle(ctx context.Context, ev model.USBEvent) {
	metrics.USBDevices.WithLabelValues(ev.Action, ev.DeviceType).Inc()
	switch ev.Action {
	case model.ActionAdd:
		h.added(ctx, ev)
	case model.ActionRemove:
		h.removed(ev)
	}
}

func (h *usbHandler) added(ctx context.Context, dev model.USBEvent) {
	h.log.Info("USB connected",
		zap.String("mount", dev.MountPoint),
		zap.String("vid", dev.VendorID),
		zap.String("pid", dev.ProductID),
		zap.String("product", dev.Product),
		zap.String("type", dev.DeviceType),
	)

	// BadUSB 告警
	if dev.DeviceType == model.DeviceBadUSBSuspect {
		h.log.Error("BADUSB DETECTED", zap.String("serial", dev.Serial), zap.String("bus", dev.BusID))
		if h.cfg.BlockBadUSB {
			if err := h.deauthorize(dev.BusID); err != nil {
				h.log.Error("failed to deauthorize device", zap.String("bus", dev.BusID), zap.Error(err))
			} else {
				h.log.Warn("device deauthorized", zap.String("bus", dev.BusID))
				return
			}
		}
	}

	blocked, reason, err := h.devices.Blocked(ctx, dev.VendorID, dev.ProductID, dev.Serial, h.cfg.BlockNoSerial)
	if err != nil {
		h.log.Error("blocklist lookup failed", zap.Error(err))
	}
	// 先登记拒绝策略再添加监控点，避免放行窗口
	if blocked && h.cfg.DenyBlocked {
		h.policy.DenyMount(dev.MountPoint, reason)
		h.log.Warn("blocked device mounted, denying all access",
			zap.String("mount", dev.MountPoint),
			zap.String("reason", reason))
	}
	h.mounts[dev.DevicePath] = dev.MountPoint

	if err := h.watches.AddWatch(dev.MountPoint, h.mask); err != nil {
		h.log.Error("failed to watch mount", zap.String("mount", dev.MountPoint), zap.Error(err))
		return
	}
	h.log.Info("monitoring started", zap.String("path", dev.MountPoint))
}

func (h *usbHandler) removed(dev model.USBEvent) {
	mount, ok := h.mounts[dev.DevicePath]
	if !ok {
		h.log.Info("USB removed", zap.String("dev", dev.DevicePath))
		return
	}
	delete(h.mounts, dev.DevicePath)
	h.policy.AllowMount(mount)
	if err := h.watches.RemoveWatch(mount); err != nil {
		h.log.Warn("failed to remove watch", zap.String("mount", mount), zap.Error(err))
	}
	h.log.Info("USB removed", zap.String("dev", dev.DevicePath), zap.String("mount", mount))
}
