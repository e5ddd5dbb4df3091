package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadFile_DefaultsWhenMissing(t *testing.T) {
	req := require.New(t)

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	req.NoError(err)
	req.Equal(8080, cfg.Port)
	req.Equal("memory", cfg.Store)
	req.Equal(54*time.Second, cfg.PingPeriod)
	req.Equal(60*time.Second, cfg.PongWait)
	req.Equal(5, cfg.CallRateLimit)
	req.Equal(time.Minute, cfg.CallRateInterval)
}

func TestLoadFile_YamlAndEnv(t *testing.T) {
	req := require.New(t)
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	req.NoError(os.WriteFile(path, []byte("port: 9090\nstore: badger\nping_period: 10s\npong_wait: 20s\n"), 0o600))
	t.Setenv("PAIRLINE_SEND_BUFFER", "7")

	cfg, err := LoadFile(path)
	req.NoError(err)
	req.Equal(9090, cfg.Port)
	req.Equal("badger", cfg.Store)
	req.Equal(10*time.Second, cfg.PingPeriod)
	req.Equal(7, cfg.SendBuffer)
}

func TestLoadFile_RejectsBadValues(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()

	bad := filepath.Join(dir, "keepalive.yaml")
	req.NoError(os.WriteFile(bad, []byte("ping_period: 90s\npong_wait: 60s\n"), 0o600))
	_, err := LoadFile(bad)
	req.Error(err)

	store := filepath.Join(dir, "store.yaml")
	req.NoError(os.WriteFile(store, []byte("store: postgres\n"), 0o600))
	_, err = LoadFile(store)
	req.Error(err)
}

func TestLoadClient_FlagsOverride(t *testing.T) {
	req := require.New(t)
	fs := ClientFlags()
	req.NoError(fs.Parse([]string{
		"--config", filepath.Join(t.TempDir(), "none.yaml"),
		"--user-id", "alice",
		"--username", "Alice",
		"--reconnect-max", "10s",
		"--auto-accept",
	}))

	cfg, err := LoadClient(fs)
	req.NoError(err)
	req.Equal("alice", cfg.UserID)
	req.Equal("Alice", cfg.Username)
	req.Equal(10*time.Second, cfg.ReconnectMax)
	req.Equal(time.Second, cfg.ReconnectBase)
	req.True(cfg.AutoAccept)
	req.Equal([]string{"stun:stun.l.google.com:19302"}, cfg.ICEServers)
}

func TestLoadClient_RejectsInvertedWindow(t *testing.T) {
	req := require.New(t)
	fs := ClientFlags()
	req.NoError(fs.Parse([]string{
		"--config", filepath.Join(t.TempDir(), "none.yaml"),
		"--reconnect-base", "5s",
		"--reconnect-max", "1s",
	}))
	_, err := LoadClient(fs)
	req.Error(err)
}
