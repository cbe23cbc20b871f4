package aa

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// RevertError is returned when an eth_call against the entry point reverts.
type RevertError struct {
	Reason string
	Data   []byte
}

func (e *RevertError) Error() string {
	return e.Reason
}

// revertData extracts the revert payload the node attached to a failed call.
func revertData(err error) ([]byte, bool) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil, false
	}

	switch v := dataErr.ErrorData().(type) {
	case string:
		b, decodeErr := hexutil.Decode(v)
		if decodeErr != nil {
			return nil, false
		}
		return b, true
	case []byte:
		return v, true
	}
	return nil, false
}

// DecodeRevert turns EntryPoint revert data into a readable reason, e.g.
// "AA23 reverted (or OOG)" for FailedOp.
func DecodeRevert(data []byte) string {
	if len(data) < 4 {
		return "execution reverted"
	}

	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}

	parsed, err := GetEntryPointABI()
	if err != nil {
		return hexutil.Encode(data)
	}

	for _, name := range []string{"FailedOp", "FailedOpWithRevert", "SignatureValidationFailed", "PostOpReverted"} {
		abiErr, ok := parsed.Errors[name]
		if !ok || !bytes.Equal(data[:4], abiErr.ID[:4]) {
			continue
		}

		unpacked, err := abiErr.Unpack(data)
		if err != nil {
			return hexutil.Encode(data)
		}
		values, _ := unpacked.([]interface{})

		switch name {
		case "FailedOp":
			if len(values) == 2 {
				return fmt.Sprintf("%v", values[1])
			}
		case "FailedOpWithRevert":
			if len(values) == 3 {
				inner, _ := values[2].([]byte)
				return strings.TrimSpace(fmt.Sprintf("%v %s", values[1], DecodeRevert(inner)))
			}
		case "SignatureValidationFailed":
			return "signature validation failed"
		case "PostOpReverted":
			return "paymaster postOp reverted"
		}
	}

	return hexutil.Encode(data)
}

// asRevertError converts a call error into a RevertError when it carries revert data.
func asRevertError(err error) error {
	data, ok := revertData(err)
	if !ok {
		return err
	}
	return &RevertError{Reason: DecodeRevert(data), Data: data}
}
