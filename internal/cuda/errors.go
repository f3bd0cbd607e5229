package cuda

import (
	"errors"
	"fmt"
)

// Result mirrors the CUresult codes the transport distinguishes.
type Result int

const (
	Success              Result = 0
	ErrorInvalidValue    Result = 1
	ErrorOutOfMemory     Result = 2
	ErrorNotInitialized  Result = 3
	ErrorInvalidContext  Result = 201
	ErrorMapFailed       Result = 205
	ErrorAlreadyMapped   Result = 208
	ErrorInvalidHandle   Result = 400
	ErrorNotFound        Result = 500
	ErrorNotReady        Result = 600
	ErrorIllegalAddress  Result = 700
	ErrorPeerAccessUnsup Result = 217
	ErrorNoDevice        Result = 100
	ErrorInvalidDevice   Result = 101
	ErrorUnknown         Result = 999
)

var resultNames = map[Result]string{
	Success:              "CUDA_SUCCESS",
	ErrorInvalidValue:    "CUDA_ERROR_INVALID_VALUE",
	ErrorOutOfMemory:     "CUDA_ERROR_OUT_OF_MEMORY",
	ErrorNotInitialized:  "CUDA_ERROR_NOT_INITIALIZED",
	ErrorInvalidContext:  "CUDA_ERROR_INVALID_CONTEXT",
	ErrorMapFailed:       "CUDA_ERROR_MAP_FAILED",
	ErrorAlreadyMapped:   "CUDA_ERROR_ALREADY_MAPPED",
	ErrorInvalidHandle:   "CUDA_ERROR_INVALID_HANDLE",
	ErrorNotFound:        "CUDA_ERROR_NOT_FOUND",
	ErrorNotReady:        "CUDA_ERROR_NOT_READY",
	ErrorIllegalAddress:  "CUDA_ERROR_ILLEGAL_ADDRESS",
	ErrorPeerAccessUnsup: "CUDA_ERROR_PEER_ACCESS_UNSUPPORTED",
	ErrorNoDevice:        "CUDA_ERROR_NO_DEVICE",
	ErrorInvalidDevice:   "CUDA_ERROR_INVALID_DEVICE",
	ErrorUnknown:         "CUDA_ERROR_UNKNOWN",
}

// String returns the symbolic name of the result code.
func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("CUresult(%d)", int(r))
}

// Error is a failed driver call together with the driver's diagnostic.
type Error struct {
	Op      string // driver entry point, e.g. "cuIpcOpenMemHandle"
	Code    Result
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s failed: %s", e.Op, e.Name())
	}
	return fmt.Sprintf("%s failed: %s (%s)", e.Op, e.Name(), e.Message)
}

// Name returns the symbolic driver error name.
func (e *Error) Name() string {
	return e.Code.String()
}

// NewError builds an *Error.
func NewError(op string, code Result, msg string) *Error {
	return &Error{Op: op, Code: code, Message: msg}
}

// Code extracts the driver result from err. Nil maps to Success and errors
// that do not carry a driver code map to ErrorUnknown.
func Code(err error) Result {
	if err == nil {
		return Success
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ErrorUnknown
}

// IsNotReady reports whether err is an ErrorNotReady driver result.
func IsNotReady(err error) bool {
	return Code(err) == ErrorNotReady
}
