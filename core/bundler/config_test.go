package bundler

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/AvaProtocol/ap-bundler/core/mempool"
)

func TestWithDefaultsKeepsPartialLimits(t *testing.T) {
	d := DefaultConfig()

	tests := []struct {
		name   string
		limits mempool.Limits
		want   mempool.Limits
	}{
		{
			name:   "empty",
			limits: mempool.Limits{},
			want:   d.Limits,
		},
		{
			name:   "only sender cap and ttl",
			limits: mempool.Limits{MaxPerSender: 1, TTL: time.Minute},
			want: mempool.Limits{
				MaxSize:         d.Limits.MaxSize,
				MaxPerSender:    1,
				MaxPerPaymaster: d.Limits.MaxPerPaymaster,
				MaxFeePerGas:    d.Limits.MaxFeePerGas,
				MinPriorityFee:  d.Limits.MinPriorityFee,
				TTL:             time.Minute,
			},
		},
		{
			name:   "fee ceiling without size",
			limits: mempool.Limits{MaxFeePerGas: big.NewInt(5)},
			want: mempool.Limits{
				MaxSize:         d.Limits.MaxSize,
				MaxPerSender:    d.Limits.MaxPerSender,
				MaxPerPaymaster: d.Limits.MaxPerPaymaster,
				MaxFeePerGas:    big.NewInt(5),
				MinPriorityFee:  d.Limits.MinPriorityFee,
				TTL:             d.Limits.TTL,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Limits: tt.limits}.withDefaults()
			assert.Equal(t, tt.want, cfg.Limits)
			assert.Equal(t, d.MaxBundleSize, cfg.MaxBundleSize)
		})
	}
}
