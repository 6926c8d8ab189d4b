package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "PRIVATE_KEY", "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	setEnv(t, "ESCROW_CONTRACT", "0x1234567890123456789012345678901234567890")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultRPCURL, cfg.RPCURL)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, DefaultUSDTContract, cfg.USDTContract)
	assert.Equal(t, DefaultMaxExtensions, cfg.MaxExtensions)
	assert.Equal(t, DefaultAbandonedPolicy, cfg.AbandonedPolicy)
}

func TestLoad_MissingPrivateKey(t *testing.T) {
	setEnv(t, "PRIVATE_KEY", "")
	setEnv(t, "ESCROW_CONTRACT", "0x1234567890123456789012345678901234567890")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "PRIVATE_KEY is required")
}

func TestLoad_MissingEscrowContract(t *testing.T) {
	setEnv(t, "PRIVATE_KEY", "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	setEnv(t, "ESCROW_CONTRACT", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "ESCROW_CONTRACT is required")
}

func TestLoad_InvalidPrivateKeyLength(t *testing.T) {
	setEnv(t, "PRIVATE_KEY", "tooshort")
	setEnv(t, "ESCROW_CONTRACT", "0x1234567890123456789012345678901234567890")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "64 hex characters")
}

func TestLoad_PrivateKeyWith0xPrefix(t *testing.T) {
	setEnv(t, "PRIVATE_KEY", "0x0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	setEnv(t, "ESCROW_CONTRACT", "0x1234567890123456789012345678901234567890")

	_, err := Load()
	assert.NoError(t, err)
}

func TestLoad_InvalidAbandonedPolicy(t *testing.T) {
	setEnv(t, "PRIVATE_KEY", "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	setEnv(t, "ESCROW_CONTRACT", "0x1234567890123456789012345678901234567890")
	setEnv(t, "ABANDONED_POLICY", "coin_flip")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "ABANDONED_POLICY")
}

func TestLoad_Durations(t *testing.T) {
	setEnv(t, "PRIVATE_KEY", "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	setEnv(t, "ESCROW_CONTRACT", "0x1234567890123456789012345678901234567890")
	setEnv(t, "ORDER_EXPIRY", "45m")
	setEnv(t, "SWEEP_INTERVAL", "1h")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "45m0s", cfg.OrderExpiry.String())
	assert.Equal(t, "1h0m0s", cfg.SweepInterval.String())
}
