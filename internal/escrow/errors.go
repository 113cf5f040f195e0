package escrow

import (
	"errors"
	"fmt"
)

// Code is the machine-readable kind of a rejected operation.
type Code string

const (
	CodeAlreadyExists           Code = "E_ALREADY_EXISTS"
	CodeProjectNotActive        Code = "E_PROJECT_NOT_ACTIVE"
	CodeExceedsTargetAmount     Code = "E_EXCEEDS_TARGET"
	CodeMinimumInvestmentNotMet Code = "E_MIN_INVESTMENT"
	CodeUnauthorized            Code = "E_UNAUTHORIZED"
	CodeInsufficientFunds       Code = "E_INSUFFICIENT_FUNDS"
	CodeTransferFailed          Code = "E_TRANSFER_FAILED"
	CodeArithmeticOverflow      Code = "E_ARITHMETIC_OVERFLOW"

	CodeNotFound           Code = "E_NOT_FOUND"
	CodeInvalidAccount     Code = "E_INVALID_ACCOUNT"
	CodeNameTooLong        Code = "E_NAME_TOO_LONG"
	CodeBadRequest         Code = "E_BAD_REQUEST"
	CodeAccountNotDeclared Code = "E_ACCOUNT_NOT_DECLARED"
	CodeInternal           Code = "E_INTERNAL"
)

var allCodes = []Code{
	CodeAlreadyExists,
	CodeProjectNotActive,
	CodeExceedsTargetAmount,
	CodeMinimumInvestmentNotMet,
	CodeUnauthorized,
	CodeInsufficientFunds,
	CodeTransferFailed,
	CodeArithmeticOverflow,
	CodeNotFound,
	CodeInvalidAccount,
	CodeNameTooLong,
	CodeBadRequest,
	CodeAccountNotDeclared,
	CodeInternal,
}

// Codes lists every code an operation can be rejected with.
func Codes() []Code { return append([]Code(nil), allCodes...) }

type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Sentinels for errors.Is checks.
var (
	ErrAlreadyExists           = &Error{Code: CodeAlreadyExists}
	ErrProjectNotActive        = &Error{Code: CodeProjectNotActive}
	ErrExceedsTargetAmount     = &Error{Code: CodeExceedsTargetAmount}
	ErrMinimumInvestmentNotMet = &Error{Code: CodeMinimumInvestmentNotMet}
	ErrUnauthorized            = &Error{Code: CodeUnauthorized}
	ErrInsufficientFunds       = &Error{Code: CodeInsufficientFunds}
	ErrTransferFailed          = &Error{Code: CodeTransferFailed}
	ErrArithmeticOverflow      = &Error{Code: CodeArithmeticOverflow}
	ErrNotFound                = &Error{Code: CodeNotFound}
	ErrInvalidAccount          = &Error{Code: CodeInvalidAccount}
	ErrNameTooLong             = &Error{Code: CodeNameTooLong}
)

// CodeOf reports the code carried by err, E_INTERNAL for uncoded errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
