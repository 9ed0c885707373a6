package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRelayConfigDefaults(t *testing.T) {
	t.Setenv("RELAY_AUTHORITY_KEYPAIR_PATH", "/tmp/authority.json")

	cfg, err := LoadRelayConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8090", cfg.ListenAddr)
	assert.Equal(t, "/tmp/authority.json", cfg.AuthorityKeypairPath)
	assert.Equal(t, rpc.CommitmentConfirmed, cfg.Commitment)
	assert.Empty(t, cfg.DBDSN)
	assert.Nil(t, cfg.MaxRetries)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Equal(t, 2*time.Second, cfg.PushInterval)
	assert.Equal(t, defaultOrderbookProgramID, cfg.Programs.Orderbook)
	assert.Equal(t, defaultWrapProgramID, cfg.Programs.Wrap)
	assert.Equal(t, filepath.Join(".docker", "relay-server", "relay-server.log"), cfg.Log.FilePath)
}

func TestLoadRelayConfigOverrides(t *testing.T) {
	lightning := solana.NewWallet().PublicKey()
	t.Setenv("RELAY_AUTHORITY_KEYPAIR_PATH", "/tmp/authority.json")
	t.Setenv("RELAY_LISTEN_ADDR", ":9000")
	t.Setenv("SOLANA_COMMITMENT", "finalized")
	t.Setenv("RELAY_MAX_RETRIES", "4")
	t.Setenv("RELAY_ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("RELAY_LOG_LEVEL", "debug")
	t.Setenv("LIGHTNING_PROGRAM_ID", lightning.String())

	cfg, err := LoadRelayConfig()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, rpc.CommitmentFinalized, cfg.Commitment)
	require.NotNil(t, cfg.MaxRetries)
	assert.Equal(t, uint(4), *cfg.MaxRetries)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, lightning, cfg.Programs.Lightning)
}

func TestLoadRelayConfigRejectsInvalidValues(t *testing.T) {
	t.Setenv("RELAY_AUTHORITY_KEYPAIR_PATH", "/tmp/authority.json")

	t.Run("commitment", func(t *testing.T) {
		t.Setenv("SOLANA_COMMITMENT", "eventually")
		_, err := LoadRelayConfig()
		require.ErrorContains(t, err, "SOLANA_COMMITMENT")
	})
	t.Run("duration", func(t *testing.T) {
		t.Setenv("RELAY_TX_TIMEOUT", "-1s")
		_, err := LoadRelayConfig()
		require.ErrorContains(t, err, "RELAY_TX_TIMEOUT")
	})
	t.Run("program id", func(t *testing.T) {
		t.Setenv("WRAP_PROGRAM_ID", "not-a-key")
		_, err := LoadRelayConfig()
		require.ErrorContains(t, err, "WRAP_PROGRAM_ID")
	})
}

func TestLoadTraderConfig(t *testing.T) {
	t.Setenv("TRADER_KEYPAIR_PATH", "/tmp/trader.json")
	t.Setenv("TRADER_NOTES_PATH", "/tmp/notes")
	t.Setenv("TRADER_RELAY_URL", "http://relay:8090")
	t.Setenv("TRADER_DECRYPT_ATTEMPTS", "7")
	t.Setenv("TRADER_COMPUTE_UNIT_LIMIT", "400000")

	cfg, err := LoadTraderConfig()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/trader.json", cfg.KeypairPath)
	assert.Equal(t, "/tmp/notes", cfg.NotesPath)
	assert.Equal(t, "http://relay:8090", cfg.RelayURL)
	assert.Equal(t, 7, cfg.DecryptAttempts)
	assert.Equal(t, uint32(400000), cfg.ComputeUnitLimit)
	assert.Equal(t, 3, cfg.StaleAttempts)
	assert.Equal(t, defaultConfidentialTokenProgramID, cfg.Programs.ConfidentialToken)
}

func TestLoadTraderConfigRejectsZeroAttempts(t *testing.T) {
	t.Setenv("TRADER_KEYPAIR_PATH", "/tmp/trader.json")
	t.Setenv("TRADER_DECRYPT_ATTEMPTS", "0")

	_, err := LoadTraderConfig()
	require.ErrorContains(t, err, "TRADER_DECRYPT_ATTEMPTS")
}

func TestFlattenConfig(t *testing.T) {
	flattened, err := flattenConfig(map[string]any{
		"relay": map[string]any{
			"listen-addr":     ":7000",
			"allowed_origins": []any{"https://a.example", " ", "https://b.example"},
			"skip preflight":  true,
			"nothing":         nil,
		},
		"solana": map[any]any{"rpc.url": "http://node:8899"},
	})
	require.NoError(t, err)

	assert.Equal(t, ":7000", flattened["RELAY_LISTEN_ADDR"])
	assert.Equal(t, "https://a.example,https://b.example", flattened["RELAY_ALLOWED_ORIGINS"])
	assert.Equal(t, "true", flattened["RELAY_SKIP_PREFLIGHT"])
	assert.Equal(t, "http://node:8899", flattened["SOLANA_RPC_URL"])
	assert.NotContains(t, flattened, "RELAY_NOTHING")

	_, err = flattenConfig(map[string]any{"bad": map[any]any{1: "x"}})
	require.Error(t, err)
}

func TestNormalizeKeySegment(t *testing.T) {
	assert.Equal(t, "TRADER_NOTES_PATH", normalizeKeySegment(" trader.notes--path "))
	assert.Equal(t, "", normalizeKeySegment("__"))
}
