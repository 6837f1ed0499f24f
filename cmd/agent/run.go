//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Hara602/fanguard/internal/analysis"
	"github.com/Hara602/fanguard/internal/metrics"
	"github.com/Hara602/fanguard/internal/model"
	"github.com/Hara602/fanguard/internal/monitor"
	"github.com/Hara602/fanguard/internal/policy"
	"github.com/Hara602/fanguard/internal/watcher"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type runCmd struct{}

func (runCmd) Run(a *app) error {
	// Fanotify 需要 Root 权限
	if os.Geteuid() != 0 {
		return errors.New("must run as root (required by netlink and fanotify)")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return a.run(ctx)
}

func (a *app) openStore() (*policy.Store, error) {
	if err := os.MkdirAll(filepath.Dir(a.cfg.Database), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	return policy.Open(a.cfg.Database, a.log.Named("policy"))
}

func (a *app) run(ctx context.Context) error {
	log := a.log
	log.Info("fanguard agent starting")

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	inspector := analysis.NewTypeInspector()
	enforcer := policy.NewEnforcer(store, inspector, log.Named("policy"), a.cfg.Watch.InspectExec)
	if err := enforcer.Reload(ctx); err != nil {
		return err
	}

	fc, err := a.cfg.Fanotify()
	if err != nil {
		return err
	}
	mon, err := monitor.New(fc, monitor.Options{
		Log:        log.Named("monitor"),
		Decider:    enforcer,
		Inspector:  inspector,
		BufferSize: a.cfg.Group.BufferSize,
	})
	if err != nil {
		return fmt.Errorf("monitor init: %w", err)
	}
	defer mon.Close()

	scope, err := a.cfg.Scope()
	if err != nil {
		return err
	}
	for _, path := range a.cfg.Watch.Paths {
		if err := mon.Watch(path, scope, a.cfg.WatchMask()); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mon.Run(ctx) })
	g.Go(func() error {
		logActivity(mon.Events(), log)
		return nil
	})
	g.Go(func() error { return reloadOnHangup(ctx, enforcer, log) })
	if a.cfg.MetricsAddr != "" {
		g.Go(func() error { return metrics.Serve(ctx, a.cfg.MetricsAddr, log.Named("metrics")) })
	}
	if a.cfg.USB.Enabled {
		w := watcher.New(watcher.Options{Log: log.Named("watcher"), MountTimeout: a.cfg.USB.MountTimeout})
		usbEvents, err := w.Start(ctx)
		if err != nil {
			log.Error("watcher init failed", zap.Error(err))
		} else {
			defer w.Stop()
			h := newUSBHandler(store, enforcer, mon, a.cfg.USB, a.cfg.USBMask(), log.Named("usb"))
			g.Go(func() error { return h.run(ctx, usbEvents) })
		}
	}

	err = g.Wait()
	log.Info("shutting down")
	return err
}

// logActivity 记录文件活动，直到 monitor 关闭事件通道
func logActivity(events <-chan model.FileEvent, log *zap.Logger) {
	for activity := range events {
		log.Info("file activity",
			zap.String("op", activity.Operation),
			zap.String("file", activity.FilePath),
			zap.String("process", activity.ProcName),
			zap.Int32("pid", activity.PID),
			zap.String("decision", activity.Decision),
		)
	}
}

// reloadOnHangup 收到 SIGHUP 时重新加载路径规则
func reloadOnHangup(ctx context.Context, enforcer *policy.Enforcer, log *zap.Logger) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			if err := enforcer.Reload(ctx); err != nil {
				log.Error("reload rules failed", zap.Error(err))
			}
		}
	}
}
