package sysutil

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ProcRoot 可在测试中替换
var ProcRoot = "/proc"

// ProcName 读取 /proc/<pid>/comm
func ProcName(pid int) string {
	b, err := os.ReadFile(filepath.Join(ProcRoot, strconv.Itoa(pid), "comm"))
	if err != nil {
		// 如果是进程的文件不存在，说明进程已经退出了
		if os.IsNotExist(err) {
			return "process exited too fast"
		}
		return "unknown"
	}
	return strings.TrimSpace(string(b))
}

// FdPath 通过 /proc/self/fd 解析描述符对应的路径
func FdPath(fd int) (string, error) {
	return os.Readlink(filepath.Join(ProcRoot, "self", "fd", strconv.Itoa(fd)))
}
