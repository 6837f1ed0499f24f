// Package policy 保存访问规则、设备黑名单与审计记录，并据此裁决权限事件
package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const (
	ActionAllow = "allow"
	ActionDeny  = "deny"
)

// ErrNotFound 删除不存在的规则
var ErrNotFound = errors.New("policy: rule not found")

// PathRule 路径前缀规则
type PathRule struct {
	Prefix    string
	Action    string
	Reason    string
	CreatedAt time.Time
}

// Device 黑名单设备
type Device struct {
	VendorID  string
	ProductID string
	Serial    string
	Reason    string
	CreatedAt time.Time
}

// AuditRecord 一条审计记录
type AuditRecord struct {
	ID        string
	At        time.Time
	PID       int
	ProcName  string
	Path      string
	Operation string
	Decision  string
	Reason    string
}

type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// 联合主键 (vid, pid, serial) 防止重复
const schema = `
CREATE TABLE IF NOT EXISTS path_rules (
	prefix     TEXT PRIMARY KEY,
	action     TEXT NOT NULL,
	reason     TEXT,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS blocklist (
	vid        TEXT,
	pid        TEXT,
	serial     TEXT,
	reason     TEXT,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (vid, pid, serial)
);
CREATE TABLE IF NOT EXISTS audit (
	id        TEXT PRIMARY KEY,
	at        DATETIME NOT NULL,
	pid       INTEGER,
	proc      TEXT,
	path      TEXT,
	operation TEXT,
	decision  TEXT,
	reason    TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_at ON audit(at);
`

// Open 打开（必要时创建）数据库并初始化表结构
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	// 审计写入与 CLI 读取可能并发；pragma 放在 DSN 中，连接池的每个连接都会执行
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	log.Debug("policy store opened", zap.String("path", path))
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// AddPathRule 添加或替换 prefix 对应的规则
func (s *Store) AddPathRule(ctx context.Context, prefix, action, reason string) error {
	if action != ActionAllow && action != ActionDeny {
		return fmt.Errorf("invalid rule action %q", action)
	}
	if prefix == "" {
		return errors.New("empty rule prefix")
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO path_rules(prefix, action, reason, created_at) VALUES (?, ?, ?, ?)",
		prefix, action, reason, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("add path rule: %w", err)
	}
	return nil
}

func (s *Store) PathRules(ctx context.Context) ([]PathRule, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT prefix, action, reason, created_at FROM path_rules ORDER BY prefix")
	if err != nil {
		return nil, fmt.Errorf("list path rules: %w", err)
	}
	defer rows.Close()

	var rules []PathRule
	for rows.Next() {
		var r PathRule
		var reason sql.NullString
		if err := rows.Scan(&r.Prefix, &r.Action, &reason, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan path rule: %w", err)
		}
		r.Reason = reason.String
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *Store) RemovePathRule(ctx context.Context, prefix string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM path_rules WHERE prefix = ?", prefix)
	if err != nil {
		return fmt.Errorf("remove path rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, prefix)
	}
	return nil
}

// BlockDevice 添加黑名单设备，已存在时忽略
func (s *Store) BlockDevice(ctx context.Context, vid, pid, serial, reason string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO blocklist(vid, pid, serial, reason, created_at) VALUES (?, ?, ?, ?, ?)",
		vid, pid, serial, reason, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("block device: %w", err)
	}
	return nil
}

// Blocked 判断设备是否在黑名单中
// blockNoSerial 时无序列号设备直接视为黑名单设备
func (s *Store) Blocked(ctx context.Context, vid, pid, serial string, blockNoSerial bool) (bool, string, error) {
	if blockNoSerial && (serial == "" || serial == "000000000000") {
		return true, "Unknown or empty serial number", nil
	}

	var reason sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT reason FROM blocklist WHERE vid = ? AND pid = ? AND serial = ?",
		vid, pid, serial,
	).Scan(&reason)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, "", nil
	case err != nil:
		return false, "", fmt.Errorf("query blocklist: %w", err)
	}
	if reason.String == "" {
		return true, "Device is in blacklist", nil
	}
	return true, reason.String, nil
}

func (s *Store) BlockedDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT vid, pid, serial, reason, created_at FROM blocklist ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("list blocklist: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		var reason sql.NullString
		if err := rows.Scan(&d.VendorID, &d.ProductID, &d.Serial, &reason, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		d.Reason = reason.String
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// Audit 写入一条审计记录，ID 与时间为空时自动填充
func (s *Store) Audit(ctx context.Context, rec AuditRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO audit(id, at, pid, proc, path, operation, decision, reason) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		rec.ID, rec.At.UTC(), rec.PID, rec.ProcName, rec.Path, rec.Operation, rec.Decision, rec.Reason,
	)
	if err != nil {
		return "", fmt.Errorf("write audit record: %w", err)
	}
	return rec.ID, nil
}

// RecentAudit 按时间倒序返回最近 limit 条记录
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, at, pid, proc, path, operation, decision, reason FROM audit ORDER BY at DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(&r.ID, &r.At, &r.PID, &r.ProcName, &r.Path, &r.Operation, &r.Decision, &r.Reason); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
