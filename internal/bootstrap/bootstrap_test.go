package bootstrap

import (
	"context"
	"testing"
	"time"

	"chatcontext/internal/config"
	"chatcontext/internal/crypto"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sqliteConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Load()
	cfg.StorageBackend = config.StorageBackendSQLite
	cfg.SQLitePath = ":memory:"
	cfg.RedisURL = ""
	cfg.EncryptionMasterKey = ""
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestBuildSQLite(t *testing.T) {
	cfg := sqliteConfig(t)
	key, err := crypto.GenerateMasterKey()
	require.NoError(t, err)
	cfg.EncryptionMasterKey = key

	s, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer s.Close()

	assert.NotNil(t, s.RAG)
	assert.Nil(t, s.Redis)
	require.Contains(t, s.Checks, "sqlite")
	assert.NoError(t, s.Checks["sqlite"](context.Background()))

	stats, err := s.Knowledge.Stats(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Total)
}

func TestBuildRejectsBadMasterKey(t *testing.T) {
	cfg := sqliteConfig(t)
	cfg.EncryptionMasterKey = "not-hex"

	_, err := Build(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestApplyTunables(t *testing.T) {
	s, err := Build(context.Background(), sqliteConfig(t), nil)
	require.NoError(t, err)
	defer s.Close()

	tunables := s.Tunables()
	tunables.Cache.TTL = 2 * time.Hour
	tunables.Cache.MaxEntriesPerUser = 42
	tunables.Context.MaxHistoryTurns = 4
	s.ApplyTunables(tunables)

	assert.Equal(t, 2*time.Hour, s.Cache.TTL())
	assert.Equal(t, 4, s.Assembler.Limits().MaxTurns)
	assert.Equal(t, 42, s.Tunables().Cache.MaxEntriesPerUser)
}
