package analysis

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/h2non/filetype"
)

// 风险等级
const (
	RiskHigh   = "HIGH"
	RiskMedium = "MEDIUM"
	RiskSafe   = "SAFE"
)

// headerSize 是 filetype 库建议的文件头长度
const headerSize = 262

// Result 检测结果
type Result struct {
	IsMasquerade bool   // 是否是伪装文件
	RealExt      string // 真实的类型后缀 (根据文件头)
	DeclaredExt  string // 声明的后缀 (文件名)
	RiskLevel    string
	Message      string
}

// TypeInspector 文件类型检查器，可并发使用
type TypeInspector struct {
	mu       sync.RWMutex
	aliasMap map[string]map[string]bool
}

func NewTypeInspector() *TypeInspector {
	t := &TypeInspector{aliasMap: make(map[string]map[string]bool)}
	for realType, exts := range defaultAliases {
		t.Allow(realType, exts...)
	}
	return t
}

// 合法的“表里不一”：真实类型 -> 允许的后缀
var defaultAliases = map[string][]string{
	// docx, xlsx 等本质都是 zip
	"zip": {
		"docx", "docm", "dotx", "dotm",
		"xlsx", "xlsm", "xltx", "xltm",
		"pptx", "pptm", "potx", "potm",
		"jar", "war", "ear", "apk",
		"odt", "ods", "odp",
		"crx", "whl", "nupkg",
	},
	"xml": {"svg", "html", "htm", "kml", "dae", "plist", "config"},
	"mp4": {"m4v", "mov", "qt"},
	"mov": {"qt", "mp4"},
	"ogg": {"ogv", "oga", "spx"},
	// .dll, .sys, .scr 也是 PE 格式
	"exe": {"dll", "sys", "scr", "cpl", "ocx"},
	"gz":  {"gzip", "tgz"},
	"tar": nil,
	"rar": nil,
	"7z":  nil,
}

// Allow 登记兼容规则；真实后缀本身总是允许
func (t *TypeInspector) Allow(realType string, exts ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.aliasMap[realType]
	if !ok {
		m = map[string]bool{realType: true}
		t.aliasMap[realType] = m
	}
	for _, ext := range exts {
		m[ext] = true
	}
}

func (t *TypeInspector) allowed(realExt, declaredExt string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.aliasMap[realExt][declaredExt]
}

// Inspect 打开文件并检测
func (t *TypeInspector) Inspect(filePath string) (*Result, error) {
	if filepath.Ext(filePath) == "" {
		return noExtension(), nil
	}
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open file failed: %w", err)
	}
	defer file.Close()
	return t.InspectReader(filePath, file)
}

// InspectReader 检测 name 对应的内容；r 可以是 fanotify 事件描述符，
// 使用 ReadAt 不会移动被监控进程可见的文件偏移
func (t *TypeInspector) InspectReader(name string, r io.ReaderAt) (*Result, error) {
	rawExt := filepath.Ext(name)
	if rawExt == "" {
		return noExtension(), nil
	}
	declaredExt := strings.ToLower(strings.TrimPrefix(rawExt, "."))

	head := make([]byte, headerSize)
	n, err := r.ReadAt(head, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read header failed: %w", err)
	}
	if n == 0 {
		// 空文件：没有 Magic Bytes，无法判断，视为安全
		return &Result{DeclaredExt: declaredExt, RiskLevel: RiskSafe, Message: "Empty file"}, nil
	}

	kind, _ := filetype.Match(head[:n])
	// 很多纯文本文件(txt, go, c, py, md, json)会被识别为 Unknown，默认信任
	if kind == filetype.Unknown {
		return &Result{
			RealExt:     "unknown",
			DeclaredExt: declaredExt,
			RiskLevel:   RiskSafe,
			Message:     "Unknown binary signature (likely text)",
		}, nil
	}

	realExt := kind.Extension
	if t.allowed(realExt, declaredExt) {
		res := &Result{RealExt: realExt, DeclaredExt: declaredExt, RiskLevel: RiskSafe}
		if realExt != declaredExt {
			res.Message = fmt.Sprintf("Allowed alias: %s is compatible with %s", declaredExt, realExt)
		}
		return res, nil
	}
	if realExt == declaredExt {
		return &Result{RealExt: realExt, DeclaredExt: declaredExt, RiskLevel: RiskSafe}, nil
	}

	risk := RiskMedium
	if isExecutable(realExt) {
		risk = RiskHigh // 可执行文件伪装成其他格式，极度危险
	}
	return &Result{
		IsMasquerade: true,
		RealExt:      realExt,
		DeclaredExt:  declaredExt,
		RiskLevel:    risk,
		Message:      fmt.Sprintf("Type Mismatch! Header is '%s' but file is '%s'", realExt, declaredExt),
	}, nil
}

func isExecutable(ext string) bool {
	switch ext {
	case "exe", "elf", "dll":
		return true
	}
	return false
}

func noExtension() *Result {
	// 没有后缀的文件，通常视为安全或需人工审查，这里暂且放行
	return &Result{RiskLevel: RiskSafe, Message: "No extension"}
}
