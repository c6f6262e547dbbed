package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:5000", cfg.Broker.ListenAddr)
	assert.Equal(t, time.Hour, cfg.Broker.SessionTTL)
	assert.Equal(t, 60*time.Second, cfg.Broker.SweepInterval)
	assert.Equal(t, uint32(262144), cfg.Peer.ChunkSize)
	assert.Equal(t, 64, cfg.Peer.MaxConns)
	assert.Equal(t, 8, cfg.Download.Concurrency)
	assert.Equal(t, 10*time.Second, cfg.Download.Timeout)
	assert.Equal(t, "disk", cfg.Storage.Backend)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codeshare.yaml")
	data := []byte(`
broker:
  session_ttl: 30m
peer:
  listen_addr: 127.0.0.1:20001
  max_conns: 4
storage:
  backend: badger
`)
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.Broker.SessionTTL)
	assert.Equal(t, "127.0.0.1:20001", cfg.Peer.ListenAddr)
	assert.Equal(t, 4, cfg.Peer.MaxConns)
	assert.Equal(t, "badger", cfg.Storage.Backend)
	// untouched keys keep their defaults
	assert.Equal(t, "downloads", cfg.Download.OutDir)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CODESHARE_DOWNLOAD_CONCURRENCY", "3")
	t.Setenv("CODESHARE_PEER_BROKER_URL", "http://10.0.0.5:5000")

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Download.Concurrency)
	assert.Equal(t, "http://10.0.0.5:5000", cfg.Peer.BrokerURL)
}

func TestMissingExplicitFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	bad := *cfg
	bad.Storage.Backend = "s3"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Download.Concurrency = 0
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Peer.ChunkSize = 0
	assert.Error(t, bad.Validate())
}
