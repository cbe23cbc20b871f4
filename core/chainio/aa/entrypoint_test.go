package aa

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

var testEntryPoint = EntryPointV07Address

func mustEntryPoint(t *testing.T) *EntryPoint {
	ep, err := NewEntryPoint(testEntryPoint, nil)
	require.NoError(t, err)
	return ep
}

func TestEventTopic(t *testing.T) {
	parsed, err := GetEntryPointABI()
	require.NoError(t, err)

	assert.Equal(t, UserOperationEventTopic, parsed.Events["UserOperationEvent"].ID)
	assert.Equal(t,
		crypto.Keccak256Hash([]byte("UserOperationEvent(bytes32,address,address,uint256,bool,uint256,uint256)")),
		UserOperationEventTopic)
}

func userOpEventLog(t *testing.T, address common.Address, hash common.Hash, success bool) *types.Log {
	parsed, err := GetEntryPointABI()
	require.NoError(t, err)

	evt := parsed.Events["UserOperationEvent"]
	data, err := evt.Inputs.NonIndexed().Pack(big.NewInt(1), success, big.NewInt(21_000_000), big.NewInt(21_000))
	require.NoError(t, err)

	return &types.Log{
		Address: address,
		Topics: []common.Hash{
			evt.ID,
			hash,
			common.BytesToHash(common.HexToAddress("0x01").Bytes()),
			common.Hash{},
		},
		Data: data,
	}
}

func revertReasonLog(t *testing.T, hash common.Hash, reason []byte) *types.Log {
	parsed, err := GetEntryPointABI()
	require.NoError(t, err)

	evt := parsed.Events["UserOperationRevertReason"]
	data, err := evt.Inputs.NonIndexed().Pack(big.NewInt(1), reason)
	require.NoError(t, err)

	return &types.Log{
		Address: testEntryPoint,
		Topics:  []common.Hash{evt.ID, hash, common.BytesToHash(common.HexToAddress("0x01").Bytes())},
		Data:    data,
	}
}

func TestParseReceipt(t *testing.T) {
	ep := mustEntryPoint(t)

	ok := common.HexToHash("0xaa")
	reverted := common.HexToHash("0xbb")
	foreign := common.HexToHash("0xcc")

	receipt := &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		Logs: []*types.Log{
			userOpEventLog(t, testEntryPoint, ok, true),
			revertReasonLog(t, reverted, []byte("boom")),
			userOpEventLog(t, testEntryPoint, reverted, false),
			// same event from another contract is ignored
			userOpEventLog(t, common.HexToAddress("0xdead"), foreign, true),
		},
	}

	results := ep.ParseReceipt(receipt)
	require.Len(t, results, 2)

	assert.True(t, results[ok].Success)
	assert.Equal(t, int64(21_000), results[ok].ActualGasUsed.Int64())
	assert.Equal(t, int64(21_000_000), results[ok].ActualGasCost.Int64())
	assert.Equal(t, common.HexToAddress("0x01"), results[ok].Sender)

	assert.False(t, results[reverted].Success)
	assert.Equal(t, []byte("boom"), results[reverted].RevertReason)

	assert.NotContains(t, results, foreign)
	assert.Empty(t, ep.ParseReceipt(nil))
}

func TestDecodeRevert(t *testing.T) {
	parsed, err := GetEntryPointABI()
	require.NoError(t, err)

	failedOp, err := parsed.Errors["FailedOp"].Inputs.Pack(big.NewInt(0), "AA23 reverted")
	require.NoError(t, err)
	failedOp = append(append([]byte{}, parsed.Errors["FailedOp"].ID.Bytes()[:4]...), failedOp...)

	errorString := hexutil.MustDecode("0x08c379a0" +
		"0000000000000000000000000000000000000000000000000000000000000020" +
		"0000000000000000000000000000000000000000000000000000000000000004" +
		"6f6f707300000000000000000000000000000000000000000000000000000000")

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"failed op", failedOp, "AA23 reverted"},
		{"error string", errorString, "oops"},
		{"empty", nil, "execution reverted"},
		{"unknown selector", hexutil.MustDecode("0x12345678"), "0x12345678"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeRevert(tt.data))
		})
	}
}

type dataError struct {
	data interface{}
}

func (e *dataError) Error() string          { return "execution reverted" }
func (e *dataError) ErrorData() interface{} { return e.data }

func TestAsRevertError(t *testing.T) {
	err := asRevertError(fmt.Errorf("call: %w", &dataError{data: "0x08c379a0" +
		"0000000000000000000000000000000000000000000000000000000000000020" +
		"0000000000000000000000000000000000000000000000000000000000000004" +
		"6f6f707300000000000000000000000000000000000000000000000000000000"}))

	var revert *RevertError
	require.True(t, errors.As(err, &revert))
	assert.Equal(t, "oops", revert.Reason)

	plain := errors.New("connection refused")
	assert.Equal(t, plain, asRevertError(plain))
}

func TestEncodeOpsIsDeterministic(t *testing.T) {
	ep := mustEntryPoint(t)

	op := &userop.UserOperation{
		Sender:               common.HexToAddress("0x01"),
		Nonce:                big.NewInt(1),
		CallData:             []byte{0x01},
		CallGasLimit:         big.NewInt(1),
		VerificationGasLimit: big.NewInt(1),
		PreVerificationGas:   big.NewInt(1),
		MaxFeePerGas:         big.NewInt(1),
		MaxPriorityFeePerGas: big.NewInt(1),
	}
	packed, err := op.Pack()
	require.NoError(t, err)

	a, err := ep.EncodeOps([]userop.PackedUserOperation{*packed})
	require.NoError(t, err)
	b, err := ep.EncodeOps([]userop.PackedUserOperation{*packed})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	calldata, err := ep.PackSimulateValidation(*packed)
	require.NoError(t, err)
	assert.Len(t, calldata[:4], 4)
}
