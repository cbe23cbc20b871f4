package bundler

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/AvaProtocol/ap-bundler/core/mempool"
)

type BundlingMode string

const (
	BundlingModeAuto   BundlingMode = "auto"
	BundlingModeManual BundlingMode = "manual"
)

func ParseBundlingMode(s string) (BundlingMode, error) {
	switch BundlingMode(s) {
	case BundlingModeAuto, BundlingModeManual:
		return BundlingMode(s), nil
	case "":
		return BundlingModeAuto, nil
	}
	return "", fmt.Errorf("unknown bundling mode %q, want auto or manual", s)
}

// Config is everything the bundling core needs besides its collaborators.
type Config struct {
	Beneficiary common.Address

	MinBundleSize int
	MaxBundleSize int

	BundleInterval      time.Duration
	FeeRefreshInterval  time.Duration
	ConfirmationTimeout time.Duration

	GasMultiplier  decimal.Decimal
	MinPriorityFee *big.Int

	MaxCallGasLimit         *big.Int
	MaxVerificationGasLimit *big.Int

	// consecutive connectivity failures before Health reports degraded
	DegradedThreshold int

	BundlingMode BundlingMode

	Limits mempool.Limits
}

func DefaultConfig() Config {
	return Config{
		MinBundleSize:           1,
		MaxBundleSize:           10,
		BundleInterval:          5 * time.Second,
		FeeRefreshInterval:      10 * time.Second,
		ConfirmationTimeout:     2 * time.Minute,
		GasMultiplier:           decimal.RequireFromString("1.1"),
		MinPriorityFee:          big.NewInt(1_000_000_000),
		MaxCallGasLimit:         big.NewInt(10_000_000),
		MaxVerificationGasLimit: big.NewInt(5_000_000),
		DegradedThreshold:       3,
		BundlingMode:            BundlingModeAuto,
		Limits:                  mempool.DefaultLimits(),
	}
}

// withDefaults fills zero values from DefaultConfig
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinBundleSize <= 0 {
		c.MinBundleSize = d.MinBundleSize
	}
	if c.MaxBundleSize <= 0 {
		c.MaxBundleSize = d.MaxBundleSize
	}
	if c.BundleInterval <= 0 {
		c.BundleInterval = d.BundleInterval
	}
	if c.FeeRefreshInterval <= 0 {
		c.FeeRefreshInterval = d.FeeRefreshInterval
	}
	if c.ConfirmationTimeout <= 0 {
		c.ConfirmationTimeout = d.ConfirmationTimeout
	}
	if c.GasMultiplier.IsZero() {
		c.GasMultiplier = d.GasMultiplier
	}
	if c.MinPriorityFee == nil {
		c.MinPriorityFee = d.MinPriorityFee
	}
	if c.MaxCallGasLimit == nil {
		c.MaxCallGasLimit = d.MaxCallGasLimit
	}
	if c.MaxVerificationGasLimit == nil {
		c.MaxVerificationGasLimit = d.MaxVerificationGasLimit
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = d.DegradedThreshold
	}
	if c.BundlingMode == "" {
		c.BundlingMode = d.BundlingMode
	}
	c.Limits = limitsWithDefaults(c.Limits, d.Limits)
	return c
}

func limitsWithDefaults(l, d mempool.Limits) mempool.Limits {
	if l.MaxSize <= 0 {
		l.MaxSize = d.MaxSize
	}
	if l.MaxPerSender <= 0 {
		l.MaxPerSender = d.MaxPerSender
	}
	if l.MaxPerPaymaster <= 0 {
		l.MaxPerPaymaster = d.MaxPerPaymaster
	}
	if l.MaxFeePerGas == nil {
		l.MaxFeePerGas = d.MaxFeePerGas
	}
	if l.MinPriorityFee == nil {
		l.MinPriorityFee = d.MinPriorityFee
	}
	if l.TTL <= 0 {
		l.TTL = d.TTL
	}
	return l
}
