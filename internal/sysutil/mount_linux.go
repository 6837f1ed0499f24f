//go:build linux

package sysutil

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Mount 是 /proc/mounts 中的一行
type Mount struct {
	Device string // e.g. /dev/sdb1
	Path   string // e.g. /media/usb
	FSType string
}

// ParseMounts 解析 /proc/mounts 格式的内容
func ParseMounts(r io.Reader) ([]Mount, error) {
	var mounts []Mount
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		mounts = append(mounts, Mount{
			Device: fields[0],
			Path:   unescapeMount(fields[1]),
			FSType: fields[2],
		})
	}
	return mounts, scanner.Err()
}

// 挂载点中的空格等字符以八进制转义，例如 "\040"
func unescapeMount(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			c := s[i+1 : i+4]
			if c[0] >= '0' && c[0] <= '3' && isOctal(c[1]) && isOctal(c[2]) {
				b.WriteByte((c[0]-'0')<<6 | (c[1]-'0')<<3 | (c[2] - '0'))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isOctal(c byte) bool { return c >= '0' && c <= '7' }

// Mounts 读取当前挂载表
func Mounts() ([]Mount, error) {
	f, err := os.Open(filepath.Join(ProcRoot, "mounts"))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseMounts(f)
}

// WaitForMount 轮询 /proc/mounts 等待设备挂载
// Udev event 触发时，文件系统可能还没挂载好；超时或 ctx 结束时返回 ""
func WaitForMount(ctx context.Context, devPath string, timeout time.Duration) string {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if mounts, err := Mounts(); err == nil {
			for _, m := range mounts {
				if m.Device == devPath {
					return m.Path
				}
			}
		}
		select {
		case <-ctx.Done():
			return ""
		case <-ticker.C:
		}
	}
}
