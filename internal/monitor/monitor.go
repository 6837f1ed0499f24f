//go:build linux

// Package monitor 读取 fanotify 事件，裁决权限请求并上报文件活动
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/Hara602/fanguard/internal/analysis"
	"github.com/Hara602/fanguard/internal/fanotify"
	"github.com/Hara602/fanguard/internal/model"
	"go.uber.org/zap"
)

// Decider 裁决权限事件，由 policy.Enforcer 实现
type Decider interface {
	Decide(ctx context.Context, req model.AccessRequest) model.Verdict
}

// Inspector 检查写入完成的文件是否伪装
type Inspector interface {
	InspectReader(name string, r io.ReaderAt) (*analysis.Result, error)
}

type Options struct {
	Log *zap.Logger
	// Decider 为空时放行所有权限事件
	Decider   Decider
	Inspector Inspector
	// BufferSize 单次 read 的缓冲区大小
	BufferSize int
}

func (o *Options) setDefaults() {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 64 * 1024
	}
}

type watch struct {
	scope fanotify.MarkScope
	mask  fanotify.Mask
}

// FileMonitor 持有一个异步 fanotify group
type FileMonitor struct {
	group  *fanotify.AsyncGroup
	opts   Options
	events chan model.FileEvent

	mu      sync.Mutex
	watches map[string]watch
}

// New 创建 fanotify group 并切换为异步模式
func New(cfg fanotify.Config, opts Options) (*FileMonitor, error) {
	opts.setDefaults()
	g, err := fanotify.New(cfg, fanotify.WithLogger(opts.Log))
	if err != nil {
		return nil, err
	}
	ag, err := g.Async()
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("fanotify async: %w", err)
	}
	return newWithGroup(ag, opts), nil
}

func newWithGroup(g *fanotify.AsyncGroup, opts Options) *FileMonitor {
	opts.setDefaults()
	return &FileMonitor{
		group:   g,
		opts:    opts,
		events:  make(chan model.FileEvent, 100),
		watches: make(map[string]watch),
	}
}

// Events 文件活动；Run 返回后关闭
func (m *FileMonitor) Events() <-chan model.FileEvent { return m.events }

// Watch 以指定范围标记 path
func (m *FileMonitor) Watch(path string, scope fanotify.MarkScope, mask fanotify.Mask) error {
	err := m.group.Mark(fanotify.Mark{
		Action: fanotify.MarkAdd,
		Scope:  scope,
		Mask:   mask,
		Path:   fanotify.AbsolutePath(path),
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.watches[path] = watch{scope: scope, mask: mask}
	m.mu.Unlock()
	m.opts.Log.Info("watching", zap.String("path", path), zap.Stringer("scope", scope), zap.Stringer("mask", mask))
	return nil
}

// AddWatch 监控整个文件系统（挂载点），这样能覆盖所有子目录
// 文件系统不支持时退化为挂载点监控
func (m *FileMonitor) AddWatch(path string, mask fanotify.Mask) error {
	err := m.Watch(path, fanotify.ScopeFilesystem, mask)
	if err == nil || errors.Is(err, fanotify.ErrPathDoesNotExist) {
		return err
	}
	m.opts.Log.Warn("filesystem mark failed, falling back to mount", zap.String("path", path), zap.Error(err))
	return m.Watch(path, fanotify.ScopeMount, mask)
}

// RemoveWatch 移除 path 的标记；设备拔出后内核可能已经移除，忽略 ErrMarkNotFound
func (m *FileMonitor) RemoveWatch(path string) error {
	m.mu.Lock()
	w, ok := m.watches[path]
	delete(m.watches, path)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	err := m.group.Mark(fanotify.Mark{
		Action: fanotify.MarkRemove,
		Scope:  w.scope,
		Mask:   w.mask,
		Path:   fanotify.AbsolutePath(path),
	})
	if err != nil && !errors.Is(err, fanotify.ErrMarkNotFound) && !errors.Is(err, fanotify.ErrPathDoesNotExist) {
		return err
	}
	return nil
}

// Watches 当前监控的路径
func (m *FileMonitor) Watches() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.watches))
	for p := range m.watches {
		paths = append(paths, p)
	}
	return paths
}

func (m *FileMonitor) Close() error {
	return m.group.Close()
}
