//go:build linux

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Hara602/fanguard/internal/fanotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
database: /tmp/policy.db
group:
  class: pre_content
  flags: [close_on_exec, unlimited_queue]
watch:
  scope: filesystem
  mask: [open_exec_perm]
  paths: [/srv/share]
usb:
  mount_timeout: 5s
  block_badusb: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/tmp/policy.db", cfg.Database)
	assert.Equal(t, 5*time.Second, cfg.USB.MountTimeout)
	assert.True(t, cfg.USB.BlockBadUSB)
	assert.True(t, cfg.USB.DenyBlocked)
	assert.Equal(t, []string{"/srv/share"}, cfg.Watch.Paths)

	fc, err := cfg.Fanotify()
	require.NoError(t, err)
	assert.Equal(t, fanotify.ClassPreContent, fc.Class)
	assert.Equal(t, fanotify.FlagCloseOnExec|fanotify.FlagUnlimitedQueue, fc.Flags)

	scope, err := cfg.Scope()
	require.NoError(t, err)
	assert.Equal(t, fanotify.ScopeFilesystem, scope)
	assert.Equal(t, fanotify.OpenExecPerm, cfg.WatchMask())
	assert.Equal(t, fanotify.OpenPerm|fanotify.OpenExecPerm|fanotify.CloseWrite, cfg.USBMask())
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"unknown flag":           "group:\n  flags: [fast]\n",
		"unknown mask":           "watch:\n  mask: [open, sneeze]\n",
		"permission with notify": "group:\n  class: notify\n",
		"small buffer":           "group:\n  buffer_size: 100\n",
		"bad scope":              "watch:\n  scope: planet\n",
		"report tid":             "group:\n  flags: [close_on_exec, report_tid]\n",
		"bad yaml":               "group: [",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}
