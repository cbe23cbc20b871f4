package aa

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

const packedUserOpComponents = `[
	{"internalType":"address","name":"sender","type":"address"},
	{"internalType":"uint256","name":"nonce","type":"uint256"},
	{"internalType":"bytes","name":"initCode","type":"bytes"},
	{"internalType":"bytes","name":"callData","type":"bytes"},
	{"internalType":"bytes32","name":"accountGasLimits","type":"bytes32"},
	{"internalType":"uint256","name":"preVerificationGas","type":"uint256"},
	{"internalType":"bytes32","name":"gasFees","type":"bytes32"},
	{"internalType":"bytes","name":"paymasterAndData","type":"bytes"},
	{"internalType":"bytes","name":"signature","type":"bytes"}
]`

// EntryPointABI is the subset of the EntryPoint v0.7 interface the bundler uses.
var EntryPointABI = `[
	{"type":"error","name":"FailedOp","inputs":[
		{"internalType":"uint256","name":"opIndex","type":"uint256"},
		{"internalType":"string","name":"reason","type":"string"}]},
	{"type":"error","name":"FailedOpWithRevert","inputs":[
		{"internalType":"uint256","name":"opIndex","type":"uint256"},
		{"internalType":"string","name":"reason","type":"string"},
		{"internalType":"bytes","name":"inner","type":"bytes"}]},
	{"type":"error","name":"SignatureValidationFailed","inputs":[
		{"internalType":"address","name":"aggregator","type":"address"}]},
	{"type":"error","name":"PostOpReverted","inputs":[
		{"internalType":"bytes","name":"returnData","type":"bytes"}]},
	{"type":"event","name":"UserOperationEvent","anonymous":false,"inputs":[
		{"indexed":true,"internalType":"bytes32","name":"userOpHash","type":"bytes32"},
		{"indexed":true,"internalType":"address","name":"sender","type":"address"},
		{"indexed":true,"internalType":"address","name":"paymaster","type":"address"},
		{"indexed":false,"internalType":"uint256","name":"nonce","type":"uint256"},
		{"indexed":false,"internalType":"bool","name":"success","type":"bool"},
		{"indexed":false,"internalType":"uint256","name":"actualGasCost","type":"uint256"},
		{"indexed":false,"internalType":"uint256","name":"actualGasUsed","type":"uint256"}]},
	{"type":"event","name":"UserOperationRevertReason","anonymous":false,"inputs":[
		{"indexed":true,"internalType":"bytes32","name":"userOpHash","type":"bytes32"},
		{"indexed":true,"internalType":"address","name":"sender","type":"address"},
		{"indexed":false,"internalType":"uint256","name":"nonce","type":"uint256"},
		{"indexed":false,"internalType":"bytes","name":"revertReason","type":"bytes"}]},
	{"type":"event","name":"BeforeExecution","anonymous":false,"inputs":[]},
	{"type":"function","name":"getNonce","stateMutability":"view","inputs":[
		{"internalType":"address","name":"sender","type":"address"},
		{"internalType":"uint192","name":"key","type":"uint192"}],
		"outputs":[{"internalType":"uint256","name":"nonce","type":"uint256"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
		{"internalType":"address","name":"account","type":"address"}],
		"outputs":[{"internalType":"uint256","name":"","type":"uint256"}]},
	{"type":"function","name":"getUserOpHash","stateMutability":"view","inputs":[
		{"internalType":"struct PackedUserOperation","name":"userOp","type":"tuple","components":` + packedUserOpComponents + `}],
		"outputs":[{"internalType":"bytes32","name":"","type":"bytes32"}]},
	{"type":"function","name":"handleOps","stateMutability":"nonpayable","inputs":[
		{"internalType":"struct PackedUserOperation[]","name":"ops","type":"tuple[]","components":` + packedUserOpComponents + `},
		{"internalType":"address payable","name":"beneficiary","type":"address"}],
		"outputs":[]},
	{"type":"function","name":"simulateValidation","stateMutability":"nonpayable","inputs":[
		{"internalType":"struct PackedUserOperation","name":"userOp","type":"tuple","components":` + packedUserOpComponents + `}],
		"outputs":[]}
]`

var (
	parsedABI     abi.ABI
	parsedABIErr  error
	parsedABIOnce sync.Once
)

// GetEntryPointABI parses EntryPointABI once.
func GetEntryPointABI() (*abi.ABI, error) {
	parsedABIOnce.Do(func() {
		parsedABI, parsedABIErr = abi.JSON(strings.NewReader(EntryPointABI))
	})
	if parsedABIErr != nil {
		return nil, fmt.Errorf("invalid entrypoint ABI: %w", parsedABIErr)
	}
	return &parsedABI, nil
}

// UserOperationEventTopic is topic0 of UserOperationEvent
var UserOperationEventTopic = common.HexToHash("0x49628fd1471006c1482da88028e9ce4dbb080b815c9b0344d39e5a8e6ec1419f")

// EntryPointUserOperationEvent represents a UserOperationEvent log.
type EntryPointUserOperationEvent struct {
	UserOpHash    [32]byte
	Sender        common.Address
	Paymaster     common.Address
	Nonce         *big.Int
	Success       bool
	ActualGasCost *big.Int
	ActualGasUsed *big.Int
	Raw           types.Log
}

// EntryPointUserOperationRevertReason represents a UserOperationRevertReason log.
type EntryPointUserOperationRevertReason struct {
	UserOpHash   [32]byte
	Sender       common.Address
	Nonce        *big.Int
	RevertReason []byte
	Raw          types.Log
}

// EntryPoint is a binding around a deployed EntryPoint v0.7.
type EntryPoint struct {
	address  common.Address
	abi      *abi.ABI
	contract *bind.BoundContract
}

func NewEntryPoint(address common.Address, backend bind.ContractBackend) (*EntryPoint, error) {
	parsed, err := GetEntryPointABI()
	if err != nil {
		return nil, err
	}

	return &EntryPoint{
		address:  address,
		abi:      parsed,
		contract: bind.NewBoundContract(address, *parsed, backend, backend, backend),
	}, nil
}

func (ep *EntryPoint) Address() common.Address {
	return ep.address
}

// GetNonce binds `function getNonce(address sender, uint192 key) view returns(uint256 nonce)`
func (ep *EntryPoint) GetNonce(opts *bind.CallOpts, sender common.Address, key *big.Int) (*big.Int, error) {
	var out []interface{}
	if err := ep.contract.Call(opts, &out, "getNonce", sender, key); err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// GetUserOpHash binds `function getUserOpHash(PackedUserOperation userOp) view returns(bytes32)`
func (ep *EntryPoint) GetUserOpHash(opts *bind.CallOpts, op userop.PackedUserOperation) ([32]byte, error) {
	var out []interface{}
	if err := ep.contract.Call(opts, &out, "getUserOpHash", op); err != nil {
		return [32]byte{}, err
	}
	return *abi.ConvertType(out[0], new([32]byte)).(*[32]byte), nil
}

// HandleOps binds `function handleOps(PackedUserOperation[] ops, address beneficiary)`
func (ep *EntryPoint) HandleOps(opts *bind.TransactOpts, ops []userop.PackedUserOperation, beneficiary common.Address) (*types.Transaction, error) {
	return ep.contract.Transact(opts, "handleOps", ops, beneficiary)
}

// PackSimulateValidation returns calldata for simulateValidation. The call is
// only ever made with eth_call so there is no transacting binding for it.
func (ep *EntryPoint) PackSimulateValidation(op userop.PackedUserOperation) ([]byte, error) {
	return ep.abi.Pack("simulateValidation", op)
}

// EncodeOps returns the ABI encoding of the handleOps ops argument.
func (ep *EntryPoint) EncodeOps(ops []userop.PackedUserOperation) ([]byte, error) {
	return ep.abi.Methods["handleOps"].Inputs[:1].Pack(ops)
}

func (ep *EntryPoint) ParseUserOperationEvent(log types.Log) (*EntryPointUserOperationEvent, error) {
	event := new(EntryPointUserOperationEvent)
	if err := ep.contract.UnpackLog(event, "UserOperationEvent", log); err != nil {
		return nil, err
	}
	event.Raw = log
	return event, nil
}

func (ep *EntryPoint) ParseUserOperationRevertReason(log types.Log) (*EntryPointUserOperationRevertReason, error) {
	event := new(EntryPointUserOperationRevertReason)
	if err := ep.contract.UnpackLog(event, "UserOperationRevertReason", log); err != nil {
		return nil, err
	}
	event.Raw = log
	return event, nil
}
