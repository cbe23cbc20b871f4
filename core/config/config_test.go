package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/core/bundler"
)

// anvil account #0
const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcab78d3f5f9f8b2ff"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bundler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func envFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

const baseYaml = `
eth_rpc_url: http://localhost:8545
beneficiary_address: "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
ecdsa_private_key: ` + testKey + `
`

func TestPresets(t *testing.T) {
	dev := Preset(DevelopmentEnv)
	assert.Equal(t, 10, dev.Bundler.MaxBundleSize)
	assert.Equal(t, 1, dev.Bundler.MinBundleSize)
	assert.Equal(t, int64(5000), dev.Bundler.BundleIntervalMs)
	assert.Equal(t, "1.1", dev.Bundler.GasMultiplier)
	assert.Equal(t, "100000000000", dev.Bundler.MaxGasPrice)

	prod := Preset(ProductionEnv)
	assert.Equal(t, 50, prod.Bundler.MaxBundleSize)
	assert.Equal(t, 3, prod.Bundler.MinBundleSize)
	assert.Equal(t, int64(3000), prod.Bundler.BundleIntervalMs)
	assert.Equal(t, "1.05", prod.Bundler.GasMultiplier)
	assert.Equal(t, "10000000000", prod.Bundler.MaxGasPrice)
	assert.Equal(t, "100000000", prod.Bundler.MinPriorityFee)

	assert.Equal(t, 1000, prod.Mempool.MaxSize)
	assert.Equal(t, int64(300_000), prod.Mempool.TtlMs)
}

func TestLoadFileOverPreset(t *testing.T) {
	path := writeConfig(t, baseYaml+`
environment: production
bundler:
  max_bundle_size: 20
`)

	raw, err := LoadRaw(path, envFrom(nil))
	require.NoError(t, err)

	assert.Equal(t, 20, raw.Bundler.MaxBundleSize)
	// untouched keys keep the production preset
	assert.Equal(t, 3, raw.Bundler.MinBundleSize)
	assert.Equal(t, "1.05", raw.Bundler.GasMultiplier)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, baseYaml)

	raw, err := LoadRaw(path, envFrom(map[string]string{
		"RPC_URL":            "http://node:8545",
		"MAX_BUNDLE_SIZE":    "25",
		"MIN_BUNDLE_SIZE":    "2",
		"BUNDLE_INTERVAL_MS": "1500",
		"GAS_MULTIPLIER":     "1.2",
		"MAX_GAS_PRICE":      "5000000000",
		"PORT":               "4337",
		"CORS_ORIGINS":       "http://a,http://b",
	}))
	require.NoError(t, err)

	assert.Equal(t, "http://node:8545", raw.EthRpcUrl)
	assert.Equal(t, 25, raw.Bundler.MaxBundleSize)
	assert.Equal(t, 2, raw.Bundler.MinBundleSize)
	assert.Equal(t, int64(1500), raw.Bundler.BundleIntervalMs)
	assert.Equal(t, "1.2", raw.Bundler.GasMultiplier)
	assert.Equal(t, "5000000000", raw.Bundler.MaxGasPrice)
	assert.Equal(t, ":4337", raw.ServerAddress)
	assert.Equal(t, []string{"http://a", "http://b"}, raw.CorsOrigins)
}

func TestEnvOverrideBadNumber(t *testing.T) {
	_, err := LoadRaw("", envFrom(map[string]string{"MAX_BUNDLE_SIZE": "lots"}))
	assert.Error(t, err)
}

func TestUnknownKeyRejected(t *testing.T) {
	path := writeConfig(t, baseYaml+"max_bundel_size: 3\n")
	_, err := LoadRaw(path, envFrom(nil))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *ConfigRaw)
		wantErr string
	}{
		{name: "valid"},
		{name: "missing rpc url", mutate: func(r *ConfigRaw) { r.EthRpcUrl = "" }, wantErr: "EthRpcUrl"},
		{name: "bad beneficiary", mutate: func(r *ConfigRaw) { r.BeneficiaryAddress = "0x1234" }, wantErr: "BeneficiaryAddress"},
		{name: "missing entry point", mutate: func(r *ConfigRaw) { r.EntryPointAddress = "" }, wantErr: "EntryPointAddress"},
		{name: "bad simulations address", mutate: func(r *ConfigRaw) { r.SimulationAddress = "0xabc" }, wantErr: "SimulationAddress"},
		{name: "bundle size too big", mutate: func(r *ConfigRaw) { r.Bundler.MaxBundleSize = 101 }, wantErr: "MaxBundleSize"},
		{name: "min above max", mutate: func(r *ConfigRaw) { r.Bundler.MinBundleSize = 11 }, wantErr: "MinBundleSize"},
		{name: "zero interval", mutate: func(r *ConfigRaw) { r.Bundler.BundleIntervalMs = 0 }, wantErr: "BundleIntervalMs"},
		{name: "multiplier of one", mutate: func(r *ConfigRaw) { r.Bundler.GasMultiplier = "1" }, wantErr: "gas_multiplier"},
		{name: "multiplier above two", mutate: func(r *ConfigRaw) { r.Bundler.GasMultiplier = "2.5" }, wantErr: "gas_multiplier"},
		{name: "unknown bundling mode", mutate: func(r *ConfigRaw) { r.Bundler.BundlingMode = "lazy" }, wantErr: "BundlingMode"},
		{name: "missing key", mutate: func(r *ConfigRaw) { r.EcdsaPrivateKey = "" }, wantErr: "ecdsa_private_key is required"},
		{
			name: "mnemonic only",
			mutate: func(r *ConfigRaw) {
				r.EcdsaPrivateKey = ""
				r.Mnemonic = "test test test test test test test test test test test junk"
			},
			wantErr: "mnemonic",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := Preset(DevelopmentEnv)
			raw.EthRpcUrl = "http://localhost:8545"
			raw.BeneficiaryAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
			raw.EcdsaPrivateKey = testKey
			if tt.mutate != nil {
				tt.mutate(&raw)
			}

			err := raw.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestBuild(t *testing.T) {
	path := writeConfig(t, baseYaml)

	raw, err := LoadRaw(path, envFrom(nil))
	require.NoError(t, err)
	cfg, err := raw.Build()
	require.NoError(t, err)

	key, err := crypto.HexToECDSA(testKey)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), cfg.SignerAddress)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), cfg.Bundler.Beneficiary)
	assert.Equal(t, common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032"), cfg.EntryPointAddress)
	assert.Equal(t, common.Address{}, cfg.SimulationAddress)

	assert.Equal(t, 5*time.Second, cfg.Bundler.BundleInterval)
	assert.Equal(t, 2*time.Minute, cfg.Bundler.ConfirmationTimeout)
	assert.Equal(t, "1.1", cfg.Bundler.GasMultiplier.String())
	assert.Equal(t, big.NewInt(100_000_000_000), cfg.Bundler.Limits.MaxFeePerGas)
	assert.Equal(t, big.NewInt(1_000_000_000), cfg.Bundler.MinPriorityFee)
	assert.Equal(t, 5*time.Minute, cfg.Bundler.Limits.TTL)
	assert.Equal(t, bundler.BundlingModeAuto, cfg.Bundler.BundlingMode)
	assert.NotNil(t, cfg.Logger)
}
