package aa

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// Only the SimpleAccountFactory and SimpleAccount methods an op builder needs.
const (
	simpleFactoryABIJSON = `[
{"inputs":[{"internalType":"address","name":"owner","type":"address"},{"internalType":"uint256","name":"salt","type":"uint256"}],"name":"createAccount","outputs":[{"internalType":"contract SimpleAccount","name":"ret","type":"address"}],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"address","name":"owner","type":"address"},{"internalType":"uint256","name":"salt","type":"uint256"}],"name":"getAddress","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"}]`

	simpleAccountABIJSON = `[
{"inputs":[{"internalType":"address","name":"dest","type":"address"},{"internalType":"uint256","name":"value","type":"uint256"},{"internalType":"bytes","name":"func","type":"bytes"}],"name":"execute","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"address[]","name":"dest","type":"address[]"},{"internalType":"uint256[]","name":"value","type":"uint256[]"},{"internalType":"bytes[]","name":"func","type":"bytes[]"}],"name":"executeBatch","outputs":[],"stateMutability":"nonpayable","type":"function"}]`
)

var (
	abiOnce          sync.Once
	abiErr           error
	factoryABI       abi.ABI
	simpleAccountABI abi.ABI
)

func loadAccountABIs() error {
	abiOnce.Do(func() {
		factoryABI, abiErr = abi.JSON(strings.NewReader(simpleFactoryABIJSON))
		if abiErr != nil {
			abiErr = fmt.Errorf("invalid factory ABI: %w", abiErr)
			return
		}
		simpleAccountABI, abiErr = abi.JSON(strings.NewReader(simpleAccountABIJSON))
		if abiErr != nil {
			abiErr = fmt.Errorf("invalid account ABI: %w", abiErr)
		}
	})
	return abiErr
}

// InitCode is factory ++ createAccount(owner, salt), what a user op carries to
// deploy its SimpleAccount on first use.
func InitCode(factory, owner common.Address, salt *big.Int) ([]byte, error) {
	if err := loadAccountABIs(); err != nil {
		return nil, err
	}
	if salt == nil {
		salt = big.NewInt(0)
	}

	calldata, err := factoryABI.Pack("createAccount", owner, salt)
	if err != nil {
		return nil, err
	}

	data := make([]byte, 0, common.AddressLength+len(calldata))
	data = append(data, factory.Bytes()...)
	return append(data, calldata...), nil
}

// SenderAddress asks the factory for the counterfactual account address of owner.
func SenderAddress(ctx context.Context, backend bind.ContractBackend, factory, owner common.Address, salt *big.Int) (common.Address, error) {
	if err := loadAccountABIs(); err != nil {
		return common.Address{}, err
	}
	if salt == nil {
		salt = big.NewInt(0)
	}

	contract := bind.NewBoundContract(factory, factoryABI, backend, backend, backend)
	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "getAddress", owner, salt); err != nil {
		return common.Address{}, err
	}
	if len(out) != 1 {
		return common.Address{}, fmt.Errorf("getAddress returned %d values", len(out))
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("getAddress returned %T", out[0])
	}
	return addr, nil
}

// NextNonce reads the entry point nonce of sender for the given key.
func NextNonce(ctx context.Context, ep *EntryPoint, sender common.Address, key *big.Int) (*big.Int, error) {
	if key == nil {
		key = big.NewInt(0)
	}
	return ep.GetNonce(&bind.CallOpts{Context: ctx}, sender, key)
}

// PackExecuteBatch builds SimpleAccount.executeBatch call data. values may be
// empty, meaning no value is sent with any call.
func PackExecuteBatch(targets []common.Address, values []*big.Int, calldata [][]byte) ([]byte, error) {
	if err := loadAccountABIs(); err != nil {
		return nil, err
	}
	if len(targets) != len(calldata) || (len(values) != 0 && len(values) != len(targets)) {
		return nil, fmt.Errorf("executeBatch: %d targets, %d values, %d calls", len(targets), len(values), len(calldata))
	}
	if values == nil {
		values = []*big.Int{}
	}
	return simpleAccountABI.Pack("executeBatch", targets, values, calldata)
}

// PackExecute builds SimpleAccount.execute(target, value, data) call data.
func PackExecute(target common.Address, value *big.Int, calldata []byte) ([]byte, error) {
	if err := loadAccountABIs(); err != nil {
		return nil, err
	}
	if value == nil {
		value = big.NewInt(0)
	}
	return simpleAccountABI.Pack("execute", target, value, calldata)
}
