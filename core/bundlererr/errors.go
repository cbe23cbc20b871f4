// Package bundlererr holds the error taxonomy shared by the pool, the bundling
// engine and the RPC layer.
package bundlererr

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

type Kind string

const (
	KindMalformed             Kind = "MalformedOperation"
	KindDuplicate             Kind = "DuplicateOperation"
	KindPoolFull              Kind = "PoolFull"
	KindSenderLimitExceeded   Kind = "SenderLimitExceeded"
	KindPaymasterLimitExceed  Kind = "PaymasterLimitExceeded"
	KindFeeTooHigh            Kind = "FeeTooHigh"
	KindValidationFailed      Kind = "ValidationFailed"
	KindEstimation            Kind = "EstimationError"
	KindNotEnoughOperations   Kind = "NotEnoughOperations"
	KindSubmission            Kind = "SubmissionError"
	KindNotFound              Kind = "NotFound"
	KindUnsupportedEntryPoint Kind = "UnsupportedEntryPoint"
)

// JSON-RPC error codes, following the ERC-4337 bundler RPC conventions where one exists.
const (
	CodeInvalidParams     = -32602
	CodeInternal          = -32603
	CodeRejectedByEntry   = -32500
	CodeThrottled         = -32504
	CodeExecutionReverted = -32521
)

var codes = map[Kind]int{
	KindMalformed:             CodeInvalidParams,
	KindDuplicate:             CodeInvalidParams,
	KindPoolFull:              CodeThrottled,
	KindSenderLimitExceeded:   CodeThrottled,
	KindPaymasterLimitExceed:  CodeThrottled,
	KindFeeTooHigh:            CodeInvalidParams,
	KindValidationFailed:      CodeRejectedByEntry,
	KindEstimation:            CodeExecutionReverted,
	KindNotEnoughOperations:   CodeInternal,
	KindSubmission:            CodeInternal,
	KindNotFound:              CodeInvalidParams,
	KindUnsupportedEntryPoint: CodeInvalidParams,
}

// StructuredError carries a taxonomy kind, the RPC code it maps to and optional details.
// It satisfies the go-ethereum rpc.Error and rpc.DataError interfaces so the
// JSON-RPC server reports code and details unchanged.
type StructuredError struct {
	Kind    Kind
	Code    int
	Message string
	Details map[string]interface{}

	cause error
}

func (e *StructuredError) Error() string {
	return e.Message
}

func (e *StructuredError) ErrorCode() int {
	return e.Code
}

func (e *StructuredError) ErrorData() interface{} {
	if len(e.Details) == 0 {
		return nil
	}
	return e.Details
}

func (e *StructuredError) Unwrap() error {
	return e.cause
}

// Is matches any StructuredError of the same kind, so sentinels below work with errors.Is.
func (e *StructuredError) Is(target error) bool {
	t, ok := target.(*StructuredError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, message string, details ...map[string]interface{}) *StructuredError {
	var d map[string]interface{}
	if len(details) > 0 {
		d = details[0]
	}
	return &StructuredError{
		Kind:    kind,
		Code:    codes[kind],
		Message: message,
		Details: d,
	}
}

// Wrap is New with an underlying cause kept for errors.Unwrap.
func Wrap(kind Kind, cause error, message string, details ...map[string]interface{}) *StructuredError {
	e := New(kind, message, details...)
	e.cause = cause
	return e
}

// Sentinels for errors.Is checks.
var (
	ErrMalformed             = &StructuredError{Kind: KindMalformed}
	ErrDuplicate             = &StructuredError{Kind: KindDuplicate}
	ErrPoolFull              = &StructuredError{Kind: KindPoolFull}
	ErrSenderLimitExceeded   = &StructuredError{Kind: KindSenderLimitExceeded}
	ErrPaymasterLimitExceed  = &StructuredError{Kind: KindPaymasterLimitExceed}
	ErrFeeTooHigh            = &StructuredError{Kind: KindFeeTooHigh}
	ErrValidationFailed      = &StructuredError{Kind: KindValidationFailed}
	ErrEstimation            = &StructuredError{Kind: KindEstimation}
	ErrNotEnoughOperations   = &StructuredError{Kind: KindNotEnoughOperations}
	ErrSubmission            = &StructuredError{Kind: KindSubmission}
	ErrNotFound              = &StructuredError{Kind: KindNotFound}
	ErrUnsupportedEntryPoint = &StructuredError{Kind: KindUnsupportedEntryPoint}
)

// KindOf returns the taxonomy kind of err, or "" when err is not a StructuredError.
func KindOf(err error) Kind {
	var se *StructuredError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

func NewMalformedError(field, reason string) *StructuredError {
	return New(KindMalformed,
		fmt.Sprintf("invalid user operation: %s %s", field, reason),
		map[string]interface{}{"field": field})
}

func NewDuplicateError(hash common.Hash) *StructuredError {
	return New(KindDuplicate,
		fmt.Sprintf("user operation %s already exists", hash.Hex()),
		map[string]interface{}{"userOpHash": hash.Hex()})
}

func NewPoolFullError(size int) *StructuredError {
	return New(KindPoolFull, "mempool is full", map[string]interface{}{"size": size})
}

func NewSenderLimitError(sender common.Address, limit int) *StructuredError {
	return New(KindSenderLimitExceeded,
		fmt.Sprintf("sender %s has reached the limit of %d pending operations", sender.Hex(), limit),
		map[string]interface{}{"sender": sender.Hex(), "limit": limit})
}

func NewPaymasterLimitError(paymaster common.Address, limit int) *StructuredError {
	return New(KindPaymasterLimitExceed,
		fmt.Sprintf("paymaster %s has reached the limit of %d pending operations", paymaster.Hex(), limit),
		map[string]interface{}{"paymaster": paymaster.Hex(), "limit": limit})
}

func NewFeeTooHighError(fee, ceiling fmt.Stringer) *StructuredError {
	return New(KindFeeTooHigh,
		fmt.Sprintf("gas price %s exceeds the maximum of %s", fee, ceiling),
		map[string]interface{}{"gasPrice": fee.String(), "max": ceiling.String()})
}

func NewValidationFailedError(reason string, cause error) *StructuredError {
	return Wrap(KindValidationFailed, cause,
		fmt.Sprintf("validation failed: %s", reason),
		map[string]interface{}{"reason": reason})
}

func NewEstimationError(cause error) *StructuredError {
	return Wrap(KindEstimation, cause, fmt.Sprintf("gas estimation failed: %v", cause))
}

func NewNotEnoughOperationsError(have, want int) *StructuredError {
	return New(KindNotEnoughOperations,
		fmt.Sprintf("not enough operations: have %d, need %d", have, want),
		map[string]interface{}{"pending": have, "min": want})
}

func NewSubmissionError(cause error) *StructuredError {
	return Wrap(KindSubmission, cause, fmt.Sprintf("bundle submission failed: %v", cause))
}

func NewNotFoundError(hash common.Hash) *StructuredError {
	return New(KindNotFound, fmt.Sprintf("user operation %s not found", hash.Hex()))
}

func NewUnsupportedEntryPointError(got, want common.Address) *StructuredError {
	return New(KindUnsupportedEntryPoint,
		fmt.Sprintf("entry point %s is not supported, use %s", got.Hex(), want.Hex()),
		map[string]interface{}{"supported": want.Hex()})
}
