package policy

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Hara602/fanguard/internal/analysis"
	"github.com/Hara602/fanguard/internal/model"
	"go.uber.org/zap"
)

// Inspector 检测文件内容是否伪装，由 analysis.TypeInspector 实现
type Inspector interface {
	InspectReader(name string, r io.ReaderAt) (*analysis.Result, error)
}

// Enforcer 裁决权限事件，可并发使用
//
// 顺序：最长前缀的路径规则；黑名单设备的挂载点；对执行请求检查文件头伪装。
type Enforcer struct {
	store       *Store
	inspector   Inspector
	inspectExec bool
	log         *zap.Logger

	mu     sync.RWMutex
	rules  []PathRule        // 按前缀长度降序
	mounts map[string]string // 挂载点 -> 原因
}

func NewEnforcer(store *Store, inspector Inspector, log *zap.Logger, inspectExec bool) *Enforcer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Enforcer{
		store:       store,
		inspector:   inspector,
		inspectExec: inspectExec,
		log:         log,
		mounts:      make(map[string]string),
	}
}

// Reload 从数据库重新加载路径规则
func (e *Enforcer) Reload(ctx context.Context) error {
	rules, err := e.store.PathRules(ctx)
	if err != nil {
		return err
	}
	for i := range rules {
		rules[i].Prefix = filepath.Clean(rules[i].Prefix)
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return len(rules[i].Prefix) > len(rules[j].Prefix)
	})

	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
	e.log.Info("path rules loaded", zap.Int("count", len(rules)))
	return nil
}

// DenyMount 拒绝 mountPath 下的所有访问
func (e *Enforcer) DenyMount(mountPath, reason string) {
	e.mu.Lock()
	e.mounts[filepath.Clean(mountPath)] = reason
	e.mu.Unlock()
}

func (e *Enforcer) AllowMount(mountPath string) {
	e.mu.Lock()
	delete(e.mounts, filepath.Clean(mountPath))
	e.mu.Unlock()
}

// Decide 返回对 req 的裁决；拒绝的请求写入审计表
func (e *Enforcer) Decide(ctx context.Context, req model.AccessRequest) model.Verdict {
	v := e.decide(req)
	if v.Audit {
		_, err := e.store.Audit(ctx, AuditRecord{
			PID:       req.PID,
			ProcName:  req.ProcName,
			Path:      req.Path,
			Operation: req.Operation,
			Decision:  v.Decision(),
			Reason:    v.Reason,
		})
		if err != nil {
			e.log.Error("audit failed", zap.String("path", req.Path), zap.Error(err))
		}
	}
	return v
}

func (e *Enforcer) decide(req model.AccessRequest) model.Verdict {
	path := filepath.Clean(req.Path)

	e.mu.RLock()
	rule, matched := e.match(path)
	mount, mountReason, blocked := e.blockedMount(path)
	e.mu.RUnlock()

	// 显式规则优先于设备与内容检查
	if matched {
		if rule.Action == ActionDeny {
			return model.Verdict{Deny: true, Audit: true, Rule: "path:" + rule.Prefix, Reason: rule.Reason}
		}
		return model.Verdict{Rule: "path:" + rule.Prefix, Reason: rule.Reason}
	}
	if blocked {
		return model.Verdict{Deny: true, Audit: true, Rule: "device:" + mount, Reason: mountReason}
	}

	if req.Exec && e.inspectExec && e.inspector != nil && req.Content != nil {
		res, err := e.inspector.InspectReader(path, req.Content)
		if err != nil {
			// 读不到内容时放行，避免误杀
			e.log.Warn("inspect failed", zap.String("path", path), zap.Error(err))
			return model.Verdict{}
		}
		if res.IsMasquerade && res.RiskLevel == analysis.RiskHigh {
			return model.Verdict{
				Deny:   true,
				Audit:  true,
				Rule:   "masquerade",
				Reason: fmt.Sprintf("%s disguised as %s", res.RealExt, res.DeclaredExt),
			}
		}
	}
	return model.Verdict{}
}

// 调用方持有读锁
func (e *Enforcer) match(path string) (PathRule, bool) {
	for _, r := range e.rules {
		if under(path, r.Prefix) {
			return r, true
		}
	}
	return PathRule{}, false
}

// 调用方持有读锁
func (e *Enforcer) blockedMount(path string) (string, string, bool) {
	for mount, reason := range e.mounts {
		if under(path, mount) {
			return mount, reason, true
		}
	}
	return "", "", false
}

// under 判断 path 是否等于 prefix 或位于其目录之下，"/media/usb" 不匹配 "/media/usb2"
func under(path, prefix string) bool {
	if prefix == "/" {
		return strings.HasPrefix(path, "/")
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
