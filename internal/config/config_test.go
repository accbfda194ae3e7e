package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadServerConfig([]byte(`db_path: "/tmp/insieme-server.db"`))
	require.NoError(t, err)
	assert.Equal(t, "localhost:7700", cfg.ListenPath)
	assert.Equal(t, "/tmp/insieme-server.db", cfg.DBPath)
	assert.Equal(t, 100, cfg.MaxSessionRate)
	assert.Equal(t, 500, cfg.SyncDefaultLimit)
}

func TestLoadServerConfigRejectsMissingRequiredField(t *testing.T) {
	_, err := LoadServerConfig([]byte(`max_session_rate: 10`))
	require.Error(t, err)
}

func TestLoadClientConfigAppliesReconnectDefaults(t *testing.T) {
	cfg, err := LoadClientConfig([]byte(`
client_id: "c1"
token: "tok-c1"
server_addr: "localhost:7700"
db_path: "/tmp/insieme-client.db"
partitions: ["p1", "p2"]
`))
	require.NoError(t, err)
	assert.Equal(t, "c1", cfg.ClientID)
	assert.Equal(t, []string{"p1", "p2"}, cfg.Partitions)
	assert.Equal(t, 500, cfg.SyncLimit)
	assert.True(t, cfg.Reconnect.Enabled)
	assert.Equal(t, 1000, cfg.Reconnect.InitialMS)
	assert.InDelta(t, 2.0, cfg.Reconnect.Factor, 0.001)
	assert.Equal(t, 10, cfg.Reconnect.MaxAttempts)
}

func TestLoadClientConfigRejectsOutOfRangeSyncLimit(t *testing.T) {
	_, err := LoadClientConfig([]byte(`
client_id: "c1"
token: "tok-c1"
server_addr: "localhost:7700"
db_path: "/tmp/insieme-client.db"
partitions: ["p1"]
sync_limit: 5000
`))
	require.Error(t, err)
}
