package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Hara602/fanguard/internal/fanotify"
	"github.com/Hara602/fanguard/internal/metrics"
	"github.com/Hara602/fanguard/internal/model"
	"github.com/Hara602/fanguard/internal/sysutil"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const responseCapacity = 64 * 8

// Run 读取并处理事件直到 ctx 结束；无法回应权限事件时返回错误
func (m *FileMonitor) Run(ctx context.Context) error {
	defer close(m.events)

	buf := fanotify.NewEventBuffer(m.opts.BufferSize, responseCapacity)
	for {
		events, err := m.group.Read(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.ReadErrors.Inc()
			return fmt.Errorf("read fanotify events: %w", err)
		}
		err = m.handle(ctx, events)
		switch {
		case err == nil:
		case errors.Is(err, unix.EAGAIN):
			// 剩余回应留在 buf 中，下一次 Read 前写出
			m.opts.Log.Warn("responses deferred to next read", zap.Int("pending", buf.PendingResponses()))
		default:
			metrics.FlushFailures.Inc()
			return fmt.Errorf("answer permission events: %w", err)
		}
	}
}

func (m *FileMonitor) handle(ctx context.Context, events *fanotify.Events) (err error) {
	defer multierr.AppendInvoke(&err, multierr.Close(events))

	for ev, decodeErr := range events.All() {
		if decodeErr != nil {
			kind := errorKind(decodeErr)
			metrics.DecodeErrors.WithLabelValues(kind).Inc()
			m.opts.Log.Warn("skipping fanotify record", zap.String("kind", kind), zap.Error(decodeErr))
			continue
		}
		metrics.EventsDecoded.WithLabelValues(variant(ev.File)).Inc()

		switch f := ev.File.(type) {
		case *fanotify.Permission:
			m.handlePermission(ctx, ev, f)
		case *fanotify.FileFD:
			m.handleFD(ev, f)
		case *fanotify.FileFID:
			m.emit(model.FileEvent{
				PID:       int32(ev.ID.Value),
				ProcName:  sysutil.ProcName(ev.ID.Value),
				FilePath:  fmt.Sprintf("%s:%s", f.InfoType, f.FileSystemID),
				Operation: ev.Mask.String(),
				TimeStamp: time.Now(),
			})
		}
	}
	return nil
}

func (m *FileMonitor) handlePermission(ctx context.Context, ev fanotify.Event, p *fanotify.Permission) {
	path := fdPath(p.Fd())
	procName := sysutil.ProcName(ev.ID.Value)

	var v model.Verdict
	// 自身的访问总是放行，否则可能等待自己的回应
	if !ev.ID.IsSelf && m.opts.Decider != nil {
		v = m.opts.Decider.Decide(ctx, model.AccessRequest{
			PID:       ev.ID.Value,
			ProcName:  procName,
			Path:      path,
			Operation: ev.Mask.String(),
			Exec:      ev.Mask.Has(fanotify.OpenExecPerm),
			Content:   fdReaderAt(p.Fd()),
		})
	}
	if v.Deny {
		p.Deny()
		m.opts.Log.Warn("access denied",
			zap.String("path", path),
			zap.String("process", procName),
			zap.Int("pid", ev.ID.Value),
			zap.String("rule", v.Rule),
			zap.String("reason", v.Reason))
	} else {
		p.Allow()
	}
	if err := p.Release(); err != nil {
		m.opts.Log.Error("release permission", zap.Error(err))
	}
	if err := p.Close(); err != nil {
		m.opts.Log.Debug("close event fd", zap.Error(err))
	}
	metrics.Decisions.WithLabelValues(v.Decision(), ruleKind(v.Rule)).Inc()

	m.emit(model.FileEvent{
		PID:       int32(ev.ID.Value),
		ProcName:  procName,
		FilePath:  path,
		Operation: ev.Mask.String(),
		Decision:  v.Decision(),
		TimeStamp: time.Now(),
	})
}

func (m *FileMonitor) handleFD(ev fanotify.Event, f *fanotify.FileFD) {
	defer f.Close()
	path := fdPath(f.Fd())

	if ev.Mask.Has(fanotify.CloseWrite) && m.opts.Inspector != nil {
		m.inspect(path, f.Fd())
	}
	m.emit(model.FileEvent{
		PID:       int32(ev.ID.Value),
		ProcName:  sysutil.ProcName(ev.ID.Value),
		FilePath:  path,
		Operation: ev.Mask.String(),
		TimeStamp: time.Now(),
	})
}

// inspect 检查刚写完的文件，伪装文件只告警
func (m *FileMonitor) inspect(path string, fd int) {
	result, err := m.opts.Inspector.InspectReader(path, fdReaderAt(fd))
	if err != nil {
		m.opts.Log.Info("filetype inspect failed", zap.String("path", path), zap.Error(err))
		return
	}
	if result.IsMasquerade {
		m.opts.Log.Warn("masquerade file",
			zap.String("path", path),
			zap.String("risk", result.RiskLevel),
			zap.String("detail", result.Message))
	}
}

// emit 不阻塞事件循环：消费者跟不上时丢弃
func (m *FileMonitor) emit(ev model.FileEvent) {
	select {
	case m.events <- ev:
	default:
		m.opts.Log.Debug("file event dropped", zap.String("path", ev.FilePath))
	}
}

func fdPath(fd int) string {
	path, err := sysutil.FdPath(fd)
	if err != nil {
		return fmt.Sprintf("fd:%d", fd)
	}
	return path
}

// fdReaderAt 用 pread 读取事件描述符，不移动被监控进程可见的文件偏移
type fdReaderAt int

func (fd fdReaderAt) ReadAt(p []byte, off int64) (int, error) {
	n, err := unix.Pread(int(fd), p, off)
	if err != nil {
		return 0, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func variant(f fanotify.File) string {
	switch f.(type) {
	case *fanotify.Permission:
		return "Permission"
	case *fanotify.FileFD:
		return "FD"
	case *fanotify.FileFID:
		return "FID"
	}
	return "None"
}

// ruleKind 去掉规则的具体路径，避免标签基数过大
func ruleKind(rule string) string {
	if rule == "" {
		return "default"
	}
	kind, _, _ := strings.Cut(rule, ":")
	return kind
}

func errorKind(err error) string {
	var tooShort fanotify.TooShortError
	var invalidFd fanotify.InvalidFdError
	var infoType fanotify.InvalidFidInfoTypeError
	switch {
	case errors.As(err, &tooShort):
		return "too_short"
	case errors.As(err, &invalidFd):
		return "invalid_fd"
	case errors.As(err, &infoType):
		return "fid_info_type"
	case errors.Is(err, fanotify.ErrQueueOverflowed), errors.Is(err, fanotify.ErrUnlimitedQueueButStillOverflowed):
		return "overflow"
	case errors.Is(err, fanotify.ErrWrongVersion):
		return "version"
	case errors.Is(err, fanotify.ErrFidRequestedButNotReceived),
		errors.Is(err, fanotify.ErrFidNotRequestedButReceived),
		errors.Is(err, fanotify.ErrFidReturnedForPermissionEvent):
		return "fid"
	}
	return "other"
}
