package testutil

import (
	"math/big"
	"os"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-bundler/storage"
)

var (
	TestEntryPoint = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")
	TestSender1    = common.HexToAddress("0x7c3a76086588230c7B3f4839A4c1F5BBafcd57C6")
	TestSender2    = common.HexToAddress("0xBdCcA49575918De45bb32f5ba75388e7c3fBB5e4")
	TestPaymaster  = common.HexToAddress("0xB985af5f96EF2722DC99aEBA573520903B86505e")
	TestChainID    = big.NewInt(11155111)
)

// Shortcut to initialize a storage in a temp dir, panic if we cannot create db
func TestMustDB() storage.Storage {
	dir, err := os.MkdirTemp("", "aptest")
	if err != nil {
		panic(err)
	}

	db, err := storage.NewWithPath(dir)
	if err != nil {
		panic(err)
	}
	return db
}

func GetLogger() sdklogging.Logger {
	logger, err := sdklogging.NewZapLogger("development")
	if err != nil {
		panic(err)
	}
	return logger
}

func GetDefaultCache() *bigcache.BigCache {
	config := bigcache.Config{
		Shards:             64,
		LifeWindow:         time.Minute,
		CleanWindow:        0,
		MaxEntriesInWindow: 1000,
		MaxEntrySize:       64,
		Verbose:            false,
		HardMaxCacheSize:   8,
	}
	cache, err := bigcache.NewBigCache(config)
	if err != nil {
		panic(err)
	}
	return cache
}

// NewUserOp returns a well formed operation for sender at the given nonce.
// The signature is a 65 byte placeholder.
func NewUserOp(sender common.Address, nonce int64) *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               sender,
		Nonce:                big.NewInt(nonce),
		InitCode:             []byte{},
		CallData:             common.FromHex("0xb61d27f6"),
		CallGasLimit:         big.NewInt(100_000),
		VerificationGasLimit: big.NewInt(150_000),
		PreVerificationGas:   big.NewInt(50_000),
		MaxFeePerGas:         big.NewInt(2_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
		Signature:            make([]byte, 65),
	}
}

// WithPaymaster attaches a paymaster to op and returns it
func WithPaymaster(op *userop.UserOperation, pm common.Address) *userop.UserOperation {
	op.Paymaster = pm
	op.PaymasterVerificationGasLimit = big.NewInt(60_000)
	op.PaymasterPostOpGasLimit = big.NewInt(30_000)
	op.PaymasterData = []byte{0x01}
	return op
}
