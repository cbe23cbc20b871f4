package userop

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// rpcUserOperation is the JSON-RPC shape of a v0.7 user operation. Both the
// legacy initCode field and the factory/factoryData pair are accepted.
type rpcUserOperation struct {
	Sender                        *common.Address `json:"sender"`
	Nonce                         *hexutil.Big    `json:"nonce"`
	InitCode                      hexutil.Bytes   `json:"initCode,omitempty"`
	Factory                       *common.Address `json:"factory,omitempty"`
	FactoryData                   hexutil.Bytes   `json:"factoryData,omitempty"`
	CallData                      hexutil.Bytes   `json:"callData"`
	CallGasLimit                  *hexutil.Big    `json:"callGasLimit"`
	VerificationGasLimit          *hexutil.Big    `json:"verificationGasLimit"`
	PreVerificationGas            *hexutil.Big    `json:"preVerificationGas"`
	MaxFeePerGas                  *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas          *hexutil.Big    `json:"maxPriorityFeePerGas"`
	Paymaster                     *common.Address `json:"paymaster,omitempty"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData,omitempty"`
	Signature                     hexutil.Bytes   `json:"signature"`
}

func (op UserOperation) MarshalJSON() ([]byte, error) {
	out := rpcUserOperation{
		Sender:               &op.Sender,
		Nonce:                toHexBig(op.Nonce),
		CallData:             hexutil.Bytes(copyBytes(op.CallData)),
		CallGasLimit:         toHexBig(op.CallGasLimit),
		VerificationGasLimit: toHexBig(op.VerificationGasLimit),
		PreVerificationGas:   toHexBig(op.PreVerificationGas),
		MaxFeePerGas:         toHexBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: toHexBig(op.MaxPriorityFeePerGas),
		Signature:            hexutil.Bytes(copyBytes(op.Signature)),
	}

	if factory, ok := op.Factory(); ok {
		out.Factory = &factory
		out.FactoryData = hexutil.Bytes(copyBytes(op.InitCode[common.AddressLength:]))
	} else if len(op.InitCode) > 0 {
		out.InitCode = hexutil.Bytes(copyBytes(op.InitCode))
	}

	if op.HasPaymaster() {
		paymaster := op.Paymaster
		out.Paymaster = &paymaster
		out.PaymasterVerificationGasLimit = toHexBig(op.PaymasterVerificationGasLimit)
		out.PaymasterPostOpGasLimit = toHexBig(op.PaymasterPostOpGasLimit)
		out.PaymasterData = hexutil.Bytes(copyBytes(op.PaymasterData))
	}

	return json.Marshal(out)
}

func (op *UserOperation) UnmarshalJSON(data []byte) error {
	var in rpcUserOperation
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	if in.Sender == nil {
		return fmt.Errorf("missing required field 'sender'")
	}

	decoded := UserOperation{
		Sender:                        *in.Sender,
		Nonce:                         fromHexBig(in.Nonce),
		InitCode:                      []byte(in.InitCode),
		CallData:                      []byte(in.CallData),
		CallGasLimit:                  fromHexBig(in.CallGasLimit),
		VerificationGasLimit:          fromHexBig(in.VerificationGasLimit),
		PreVerificationGas:            fromHexBig(in.PreVerificationGas),
		MaxFeePerGas:                  fromHexBig(in.MaxFeePerGas),
		MaxPriorityFeePerGas:          fromHexBig(in.MaxPriorityFeePerGas),
		PaymasterVerificationGasLimit: fromHexBig(in.PaymasterVerificationGasLimit),
		PaymasterPostOpGasLimit:       fromHexBig(in.PaymasterPostOpGasLimit),
		PaymasterData:                 []byte(in.PaymasterData),
		Signature:                     []byte(in.Signature),
	}

	if in.Factory != nil && *in.Factory != (common.Address{}) {
		if len(in.InitCode) > 0 {
			return fmt.Errorf("initCode and factory are mutually exclusive")
		}
		decoded.InitCode = append(in.Factory.Bytes(), in.FactoryData...)
	}

	if in.Paymaster != nil {
		decoded.Paymaster = *in.Paymaster
	}

	*op = decoded
	return nil
}

func toHexBig(v *big.Int) *hexutil.Big {
	return (*hexutil.Big)(bigOrZero(v))
}

func fromHexBig(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v.ToInt())
}
