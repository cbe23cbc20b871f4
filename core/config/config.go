package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	sdkutils "github.com/Layr-Labs/eigensdk-go/utils"

	"github.com/AvaProtocol/ap-bundler/core/bundler"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	aplogger "github.com/AvaProtocol/ap-bundler/pkg/logger"
)

const (
	DevelopmentEnv = "development"
	ProductionEnv  = "production"
)

// Config is the resolved configuration of a bundler node.
type Config struct {
	Environment sdklogging.LogLevel
	Logger      sdklogging.Logger

	EcdsaPrivateKey *ecdsa.PrivateKey
	SignerAddress   common.Address

	EthHttpRpcUrl      string
	EntryPointAddress  common.Address
	BeneficiaryAddress common.Address
	// EntryPointSimulations deployment answering simulateValidation. Zero sends
	// the call to EntryPointAddress, which only works on nodes that serve it there.
	SimulationAddress common.Address

	Bundler bundler.Config

	ServerAddress             string
	CorsOrigins               []string
	RateLimitRps              float64
	EnableDebugRpc            bool
	JwtSecret                 []byte
	SentryDsn                 string
	ServerName                string
	EigenMetricsIpPortAddress string
	NodeApiIpPortAddress      string

	DbPath     string
	SocketPath string

	// empty BackupDir disables backups, a zero interval leaves only on demand backups
	BackupDir      string
	BackupInterval time.Duration
}

// These are read from the config file
type ConfigRaw struct {
	Environment        sdklogging.LogLevel `yaml:"environment" validate:"oneof=development production"`
	LogLevel           string              `yaml:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	EthRpcUrl          string              `yaml:"eth_rpc_url" validate:"required,url"`
	EntryPointAddress  string              `yaml:"entry_point_address" validate:"required,eth_addr"`
	BeneficiaryAddress string              `yaml:"beneficiary_address" validate:"required,eth_addr"`
	SimulationAddress  string              `yaml:"entry_point_simulations_address" validate:"omitempty,eth_addr"`
	EcdsaPrivateKey    string              `yaml:"ecdsa_private_key"`
	Mnemonic           string              `yaml:"mnemonic"`

	Bundler BundlerRaw `yaml:"bundler"`
	Mempool MempoolRaw `yaml:"mempool"`

	ServerAddress             string   `yaml:"server_address" validate:"required"`
	CorsOrigins               []string `yaml:"cors_origins"`
	RateLimitRps              float64  `yaml:"rate_limit_rps" validate:"gte=0"`
	EnableDebugRpc            bool     `yaml:"enable_debug_rpc"`
	JwtSecret                 string   `yaml:"jwt_secret"`
	SentryDsn                 string   `yaml:"sentry_dsn"`
	ServerName                string   `yaml:"server_name"`
	EigenMetricsIpPortAddress string   `yaml:"eigen_metrics_ip_port_address"`
	NodeApiIpPortAddress      string   `yaml:"node_api_ip_port_address"`

	DbPath           string `yaml:"db_path" validate:"required"`
	SocketPath       string `yaml:"socket_path"`
	BackupDir        string `yaml:"backup_dir"`
	BackupIntervalMs int64  `yaml:"backup_interval_ms" validate:"gte=0"`
}

type BundlerRaw struct {
	MaxBundleSize           int    `yaml:"max_bundle_size" validate:"gte=1,lte=100"`
	MinBundleSize           int    `yaml:"min_bundle_size" validate:"gte=1,ltefield=MaxBundleSize"`
	BundleIntervalMs        int64  `yaml:"bundle_interval_ms" validate:"gt=0"`
	FeeRefreshIntervalMs    int64  `yaml:"fee_refresh_interval_ms" validate:"gte=0"`
	ConfirmationTimeoutMs   int64  `yaml:"confirmation_timeout_ms" validate:"gte=0"`
	GasMultiplier           string `yaml:"gas_multiplier" validate:"required"`
	MaxGasPrice             string `yaml:"max_gas_price" validate:"required,number"`
	MinPriorityFee          string `yaml:"min_priority_fee" validate:"required,number"`
	MaxCallGasLimit         uint64 `yaml:"max_call_gas_limit"`
	MaxVerificationGasLimit uint64 `yaml:"max_verification_gas_limit"`
	DegradedThreshold       int    `yaml:"degraded_threshold" validate:"gte=0"`
	BundlingMode            string `yaml:"bundling_mode" validate:"omitempty,oneof=auto manual"`
}

type MempoolRaw struct {
	MaxSize         int   `yaml:"max_size" validate:"gte=1"`
	MaxPerSender    int   `yaml:"max_per_sender" validate:"gte=1"`
	MaxPerPaymaster int   `yaml:"max_per_paymaster" validate:"gte=1"`
	TtlMs           int64 `yaml:"ttl_ms" validate:"gt=0"`
}

// EnvOverrides are decoded from the process environment, nil means unset.
type EnvOverrides struct {
	RpcUrl             *string `mapstructure:"RPC_URL"`
	EntryPointAddress  *string `mapstructure:"ENTRY_POINT_ADDRESS"`
	BeneficiaryAddress *string `mapstructure:"BENEFICIARY_ADDRESS"`
	PrivateKey         *string `mapstructure:"PRIVATE_KEY"`
	Mnemonic           *string `mapstructure:"MNEMONIC"`
	MaxBundleSize      *int    `mapstructure:"MAX_BUNDLE_SIZE"`
	MinBundleSize      *int    `mapstructure:"MIN_BUNDLE_SIZE"`
	BundleIntervalMs   *int64  `mapstructure:"BUNDLE_INTERVAL_MS"`
	GasMultiplier      *string `mapstructure:"GAS_MULTIPLIER"`
	MaxGasPrice        *string `mapstructure:"MAX_GAS_PRICE"`
	MinPriorityFee     *string `mapstructure:"MIN_PRIORITY_FEE"`
	LogLevel           *string `mapstructure:"LOG_LEVEL"`
	Port               *int    `mapstructure:"PORT"`
	CorsOrigins        *string `mapstructure:"CORS_ORIGINS"`
}

var envKeys = []string{
	"RPC_URL", "ENTRY_POINT_ADDRESS", "BENEFICIARY_ADDRESS", "PRIVATE_KEY", "MNEMONIC",
	"MAX_BUNDLE_SIZE", "MIN_BUNDLE_SIZE", "BUNDLE_INTERVAL_MS", "GAS_MULTIPLIER",
	"MAX_GAS_PRICE", "MIN_PRIORITY_FEE", "LOG_LEVEL", "PORT", "CORS_ORIGINS",
}

// Preset returns the defaults of an environment. Anything but production gets development.
func Preset(env sdklogging.LogLevel) ConfigRaw {
	raw := ConfigRaw{
		Environment:       env,
		EntryPointAddress: "0x0000000071727De22E5E9d8BAf0edAc6f37da032",
		ServerAddress:     ":3000",
		RateLimitRps:      100,
		DbPath:            "/tmp/ap-bundler/db",
		Bundler: BundlerRaw{
			MaxBundleSize:         10,
			MinBundleSize:         1,
			BundleIntervalMs:      5000,
			FeeRefreshIntervalMs:  10_000,
			ConfirmationTimeoutMs: 120_000,
			GasMultiplier:         "1.1",
			MaxGasPrice:           "100000000000",
			MinPriorityFee:        "1000000000",
			DegradedThreshold:     3,
			BundlingMode:          "auto",
		},
		Mempool: MempoolRaw{
			MaxSize:         1000,
			MaxPerSender:    10,
			MaxPerPaymaster: 100,
			TtlMs:           300_000,
		},
	}

	if env == ProductionEnv {
		raw.Bundler.MaxBundleSize = 50
		raw.Bundler.MinBundleSize = 3
		raw.Bundler.BundleIntervalMs = 3000
		raw.Bundler.GasMultiplier = "1.05"
		raw.Bundler.MaxGasPrice = "10000000000"
		raw.Bundler.MinPriorityFee = "100000000"
	}
	return raw
}

// NewConfig reads the config file, applies environment overrides and validates the result.
func NewConfig(configFilePath string) (*Config, error) {
	raw, err := LoadRaw(configFilePath, os.LookupEnv)
	if err != nil {
		return nil, err
	}
	return raw.Build()
}

// LoadRaw layers the environment preset, the config file and the environment.
func LoadRaw(configFilePath string, lookupEnv func(string) (string, bool)) (*ConfigRaw, error) {
	var data []byte
	env := sdklogging.LogLevel(DevelopmentEnv)

	if configFilePath != "" {
		var err error
		data, err = os.ReadFile(configFilePath)
		if err != nil {
			return nil, fmt.Errorf("cannot read config file %s: %w", configFilePath, err)
		}

		// a first strict pass catches unknown keys and tells which preset to start from
		var fileRaw ConfigRaw
		if err := yaml.UnmarshalStrict(data, &fileRaw); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", configFilePath, err)
		}
		if fileRaw.Environment != "" {
			env = fileRaw.Environment
		}
	}

	raw := Preset(env)
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	if err := raw.applyEnv(lookupEnv); err != nil {
		return nil, err
	}
	return &raw, nil
}

func (raw *ConfigRaw) applyEnv(lookupEnv func(string) (string, bool)) error {
	values := map[string]interface{}{}
	for _, key := range envKeys {
		if v, ok := lookupEnv(key); ok && v != "" {
			values[key] = v
		}
	}
	if len(values) == 0 {
		return nil
	}

	var env EnvOverrides
	if err := mapstructure.WeakDecode(values, &env); err != nil {
		return fmt.Errorf("invalid environment override: %w", err)
	}

	setString(&raw.EthRpcUrl, env.RpcUrl)
	setString(&raw.EntryPointAddress, env.EntryPointAddress)
	setString(&raw.BeneficiaryAddress, env.BeneficiaryAddress)
	setString(&raw.EcdsaPrivateKey, env.PrivateKey)
	setString(&raw.Mnemonic, env.Mnemonic)
	setString(&raw.Bundler.GasMultiplier, env.GasMultiplier)
	setString(&raw.Bundler.MaxGasPrice, env.MaxGasPrice)
	setString(&raw.Bundler.MinPriorityFee, env.MinPriorityFee)
	setString(&raw.LogLevel, env.LogLevel)

	if env.MaxBundleSize != nil {
		raw.Bundler.MaxBundleSize = *env.MaxBundleSize
	}
	if env.MinBundleSize != nil {
		raw.Bundler.MinBundleSize = *env.MinBundleSize
	}
	if env.BundleIntervalMs != nil {
		raw.Bundler.BundleIntervalMs = *env.BundleIntervalMs
	}
	if env.Port != nil {
		raw.ServerAddress = fmt.Sprintf(":%d", *env.Port)
	}
	if env.CorsOrigins != nil {
		raw.CorsOrigins = strings.Split(*env.CorsOrigins, ",")
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// Validate runs the struct tags, then the rules tags cannot express.
func (raw *ConfigRaw) Validate() error {
	if err := validator.New().Struct(raw); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if raw.EcdsaPrivateKey == "" {
		if raw.Mnemonic != "" {
			return errors.New("invalid config: mnemonic signers are not supported, set ecdsa_private_key or PRIVATE_KEY")
		}
		return errors.New("invalid config: ecdsa_private_key is required")
	}

	multiplier, err := decimal.NewFromString(raw.Bundler.GasMultiplier)
	if err != nil {
		return fmt.Errorf("invalid config: gas_multiplier %q: %w", raw.Bundler.GasMultiplier, err)
	}
	if multiplier.LessThanOrEqual(decimal.NewFromInt(1)) || multiplier.GreaterThan(decimal.NewFromInt(2)) {
		return fmt.Errorf("invalid config: gas_multiplier must be in (1, 2], got %s", multiplier)
	}
	return nil
}

// Build validates raw and resolves it into a Config, including the logger.
func (raw *ConfigRaw) Build() (*Config, error) {
	if err := raw.Validate(); err != nil {
		return nil, err
	}

	logger, err := aplogger.New(string(raw.Environment), raw.LogLevel)
	if err != nil {
		return nil, err
	}

	ecdsaPrivateKey, err := crypto.HexToECDSA(strings.TrimPrefix(raw.EcdsaPrivateKey, "0x"))
	if err != nil {
		logger.Error("Cannot parse ecdsa private key", "err", err)
		return nil, err
	}

	signerAddress, err := sdkutils.EcdsaPrivateKeyToAddress(ecdsaPrivateKey)
	if err != nil {
		logger.Error("Cannot get signer address", "err", err)
		return nil, err
	}

	maxGasPrice, _ := new(big.Int).SetString(raw.Bundler.MaxGasPrice, 10)
	minPriorityFee, _ := new(big.Int).SetString(raw.Bundler.MinPriorityFee, 10)
	mode, err := bundler.ParseBundlingMode(raw.Bundler.BundlingMode)
	if err != nil {
		return nil, err
	}

	bundlerConfig := bundler.Config{
		Beneficiary:         common.HexToAddress(raw.BeneficiaryAddress),
		MinBundleSize:       raw.Bundler.MinBundleSize,
		MaxBundleSize:       raw.Bundler.MaxBundleSize,
		BundleInterval:      time.Duration(raw.Bundler.BundleIntervalMs) * time.Millisecond,
		FeeRefreshInterval:  time.Duration(raw.Bundler.FeeRefreshIntervalMs) * time.Millisecond,
		ConfirmationTimeout: time.Duration(raw.Bundler.ConfirmationTimeoutMs) * time.Millisecond,
		GasMultiplier:       decimal.RequireFromString(raw.Bundler.GasMultiplier),
		MinPriorityFee:      minPriorityFee,
		DegradedThreshold:   raw.Bundler.DegradedThreshold,
		BundlingMode:        mode,
		Limits: mempool.Limits{
			MaxSize:         raw.Mempool.MaxSize,
			MaxPerSender:    raw.Mempool.MaxPerSender,
			MaxPerPaymaster: raw.Mempool.MaxPerPaymaster,
			MaxFeePerGas:    maxGasPrice,
			MinPriorityFee:  minPriorityFee,
			TTL:             time.Duration(raw.Mempool.TtlMs) * time.Millisecond,
		},
	}
	if raw.Bundler.MaxCallGasLimit > 0 {
		bundlerConfig.MaxCallGasLimit = new(big.Int).SetUint64(raw.Bundler.MaxCallGasLimit)
	}
	if raw.Bundler.MaxVerificationGasLimit > 0 {
		bundlerConfig.MaxVerificationGasLimit = new(big.Int).SetUint64(raw.Bundler.MaxVerificationGasLimit)
	}

	return &Config{
		Environment:               raw.Environment,
		Logger:                    logger,
		EcdsaPrivateKey:           ecdsaPrivateKey,
		SignerAddress:             signerAddress,
		EthHttpRpcUrl:             raw.EthRpcUrl,
		EntryPointAddress:         common.HexToAddress(raw.EntryPointAddress),
		BeneficiaryAddress:        common.HexToAddress(raw.BeneficiaryAddress),
		SimulationAddress:         common.HexToAddress(raw.SimulationAddress),
		Bundler:                   bundlerConfig,
		ServerAddress:             raw.ServerAddress,
		CorsOrigins:               raw.CorsOrigins,
		RateLimitRps:              raw.RateLimitRps,
		EnableDebugRpc:            raw.EnableDebugRpc,
		JwtSecret:                 []byte(raw.JwtSecret),
		SentryDsn:                 raw.SentryDsn,
		ServerName:                raw.ServerName,
		EigenMetricsIpPortAddress: raw.EigenMetricsIpPortAddress,
		NodeApiIpPortAddress:      raw.NodeApiIpPortAddress,
		DbPath:                    raw.DbPath,
		SocketPath:                raw.SocketPath,
		BackupDir:                 raw.BackupDir,
		BackupInterval:            time.Duration(raw.BackupIntervalMs) * time.Millisecond,
	}, nil
}
