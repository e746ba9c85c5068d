package storage

import (
	"errors"
	"fmt"

	"github.com/danmuck/securestore/internal/protocol"
)

// Kind separates service-reported failures from local encoding failures.
type Kind int

const (
	KindCode Kind = iota
	KindEncoding
)

// ErrorCode classifies a failed operation.
type ErrorCode int

const (
	CodeGeneric ErrorCode = iota + 1
	CodeNotValid
	CodeUnimplemented
	CodePermissionDenied
	CodeNotFound
	CodeAlreadyExists
	CodeTransaction
	CodeHandleInUse
	CodeInsufficientBuffer
	CodeOutOfSpace
	CodeConnectionLost
)

func (c ErrorCode) String() string {
	switch c {
	case CodeGeneric:
		return "generic"
	case CodeNotValid:
		return "not valid"
	case CodeUnimplemented:
		return "unimplemented"
	case CodePermissionDenied:
		return "permission denied"
	case CodeNotFound:
		return "not found"
	case CodeAlreadyExists:
		return "already exists"
	case CodeTransaction:
		return "transaction conflict"
	case CodeHandleInUse:
		return "handle in use"
	case CodeInsufficientBuffer:
		return "insufficient buffer"
	case CodeOutOfSpace:
		return "out of space"
	case CodeConnectionLost:
		return "connection lost"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Error is either a service code (KindCode) or a name that could not be put
// on the wire (KindEncoding). Cause is optional context for either kind.
type Error struct {
	Kind  Kind
	Code  ErrorCode
	Cause error
}

var (
	ErrGeneric            = &Error{Kind: KindCode, Code: CodeGeneric}
	ErrNotValid           = &Error{Kind: KindCode, Code: CodeNotValid}
	ErrUnimplemented      = &Error{Kind: KindCode, Code: CodeUnimplemented}
	ErrPermissionDenied   = &Error{Kind: KindCode, Code: CodePermissionDenied}
	ErrNotFound           = &Error{Kind: KindCode, Code: CodeNotFound}
	ErrAlreadyExists      = &Error{Kind: KindCode, Code: CodeAlreadyExists}
	ErrTransaction        = &Error{Kind: KindCode, Code: CodeTransaction}
	ErrHandleInUse        = &Error{Kind: KindCode, Code: CodeHandleInUse}
	ErrInsufficientBuffer = &Error{Kind: KindCode, Code: CodeInsufficientBuffer}
	ErrOutOfSpace         = &Error{Kind: KindCode, Code: CodeOutOfSpace}
	ErrConnectionLost     = &Error{Kind: KindCode, Code: CodeConnectionLost}

	// ErrEncoding matches every KindEncoding error.
	ErrEncoding = &Error{Kind: KindEncoding}
)

func (e *Error) Error() string {
	if e.Kind == KindEncoding {
		if e.Cause != nil {
			return "storage: encoding: " + e.Cause.Error()
		}
		return "storage: encoding"
	}
	if e.Cause != nil {
		return "storage: " + e.Code.String() + ": " + e.Cause.Error()
	}
	return "storage: " + e.Code.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches sentinels by kind and code. A target without a code matches
// every error of its kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == 0 || t.Code == e.Code
}

// CodeOf extracts the code of a KindCode error anywhere in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindCode {
		return 0, false
	}
	return e.Code, true
}

func codeError(code ErrorCode, cause error) *Error {
	return &Error{Kind: KindCode, Code: code, Cause: cause}
}

func encodingError(cause error) *Error {
	return &Error{Kind: KindEncoding, Cause: cause}
}

// statusCode maps a wire status to its code. Unknown statuses are generic.
func statusCode(s protocol.Status) ErrorCode {
	switch s {
	case protocol.StatusNotValid:
		return CodeNotValid
	case protocol.StatusUnimplemented:
		return CodeUnimplemented
	case protocol.StatusAccess:
		return CodePermissionDenied
	case protocol.StatusNotFound:
		return CodeNotFound
	case protocol.StatusExist:
		return CodeAlreadyExists
	case protocol.StatusTransact:
		return CodeTransaction
	case protocol.StatusBusy:
		return CodeHandleInUse
	case protocol.StatusNotEnoughBuffer:
		return CodeInsufficientBuffer
	case protocol.StatusNoSpace:
		return CodeOutOfSpace
	default:
		return CodeGeneric
	}
}
