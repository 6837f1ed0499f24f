package watcher

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Hara602/fanguard/internal/model"
	"github.com/Hara602/fanguard/internal/sysutil"
	"github.com/pilebones/go-udev/netlink"
	"go.uber.org/zap"
)

type linuxWatcher struct {
	opts     Options
	events   chan model.USBEvent
	stop     chan struct{}
	stopOnce sync.Once
	// 等待挂载的设备，处理期间收到 remove 时取消等待
	mu      sync.Mutex
	pending map[string]*pendingMount
}

type pendingMount struct {
	cancel context.CancelFunc
}

func New(opts Options) DeviceWatcher {
	opts.setDefaults()
	return &linuxWatcher{
		opts:    opts,
		events:  make(chan model.USBEvent, 10),
		stop:    make(chan struct{}),
		pending: make(map[string]*pendingMount),
	}
}

func (w *linuxWatcher) Start(ctx context.Context) (<-chan model.USBEvent, error) {
	// 监听 UDEV 事件,连接 NETLINK_KOBJECT_UEVENT
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		return nil, err
	}
	queue := make(chan netlink.UEvent)
	errChan := make(chan error)
	quit := conn.Monitor(queue, errChan, nil)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer conn.Close()
		defer cancel()

		// 在处理新事件前，先扫描已存在的设备
		go w.scanExisting(ctx)

		for {
			select {
			case <-w.stop:
				close(quit)
				return
			case <-ctx.Done():
				close(quit)
				return
			case err := <-errChan:
				// 忽略底层网络错误，继续尝试
				w.opts.Log.Debug("udev monitor error", zap.Error(err))
			case uevent := <-queue:
				w.handleUdevEvent(ctx, uevent)
			}
		}
	}()
	return w.events, nil
}

func (w *linuxWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *linuxWatcher) send(ctx context.Context, ev model.USBEvent) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
	case <-w.stop:
	}
}

func (w *linuxWatcher) handleUdevEvent(ctx context.Context, uevent netlink.UEvent) {
	if uevent.Env["SUBSYSTEM"] != "block" || uevent.Env["DEVTYPE"] != "partition" {
		return
	}
	dev := devPath(uevent.Env["DEVNAME"])
	switch uevent.Action {
	case model.ActionAdd:
		waitCtx, cancel := context.WithCancel(ctx)
		p := &pendingMount{cancel: cancel}
		w.mu.Lock()
		if old, ok := w.pending[dev]; ok {
			old.cancel()
		}
		w.pending[dev] = p
		w.mu.Unlock()
		go func() {
			defer w.done(dev, p)
			w.handleAdd(waitCtx, dev, uevent.Env["DEVPATH"])
		}()
	case model.ActionRemove:
		w.done(dev, nil)
		w.send(ctx, model.USBEvent{Action: model.ActionRemove, DevicePath: dev, TimeStamp: time.Now()})
	}
}

// done 取消 dev 的挂载等待；p 非空时只在仍是同一次等待时移除
func (w *linuxWatcher) done(dev string, p *pendingMount) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cur, ok := w.pending[dev]
	if !ok || (p != nil && cur != p) {
		if p != nil {
			p.cancel()
		}
		return
	}
	cur.cancel()
	delete(w.pending, dev)
}

func (w *linuxWatcher) handleAdd(ctx context.Context, dev, sysDevPath string) {
	// 信息采集：向上回溯找到 USB 物理设备根目录
	usbRoot, ok := findUSBRoot(filepath.Join(sysRoot, sysDevPath))
	if !ok {
		w.opts.Log.Debug("partition is not on a usb device", zap.String("dev", dev))
		return
	}
	ev := deviceFromSysfs(usbRoot)
	w.opts.Log.Info("device information",
		zap.String("vid", ev.VendorID),
		zap.String("pid", ev.ProductID),
		zap.String("serial", ev.Serial),
		zap.String("product", ev.Product),
		zap.String("bus", ev.BusID))

	mountPoint := sysutil.WaitForMount(ctx, dev, w.opts.MountTimeout)
	if mountPoint == "" {
		w.opts.Log.Warn("device detected but mount point not found", zap.String("dev", dev))
		return
	}
	ev.Action = model.ActionAdd
	ev.DevicePath = dev
	ev.MountPoint = mountPoint
	ev.TimeStamp = time.Now()
	w.send(ctx, ev)
}

// scanExisting 扫描当前已挂载的文件系统，寻找启动前插入的 USB 设备
func (w *linuxWatcher) scanExisting(ctx context.Context) {
	mounts, err := sysutil.Mounts()
	if err != nil {
		w.opts.Log.Error("failed to scan existing mounts", zap.Error(err))
		return
	}
	for _, ev := range existingDevices(mounts) {
		w.opts.Log.Info("found existing usb device",
			zap.String("mount", ev.MountPoint),
			zap.String("dev", ev.DevicePath))
		w.send(ctx, ev)
	}
}

// existingDevices 从挂载表中挑出位于 USB 总线上的块设备
func existingDevices(mounts []sysutil.Mount) []model.USBEvent {
	var events []model.USBEvent
	for _, m := range mounts {
		// 只关心 /dev/ 开头的设备，且不是 loop 设备
		if !strings.HasPrefix(m.Device, "/dev/") || strings.HasPrefix(m.Device, "/dev/loop") {
			continue
		}
		// 通过 /sys/class/block/{name} 回溯判断是否为 USB
		resolved, err := filepath.EvalSymlinks(filepath.Join(sysRoot, "class/block", filepath.Base(m.Device)))
		if err != nil {
			continue
		}
		usbRoot, ok := findUSBRoot(resolved)
		if !ok {
			continue
		}
		ev := deviceFromSysfs(usbRoot)
		ev.Action = model.ActionAdd
		ev.DevicePath = m.Device
		ev.MountPoint = m.Path
		ev.TimeStamp = time.Now()
		events = append(events, ev)
	}
	return events
}
