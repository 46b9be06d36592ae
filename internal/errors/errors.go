// Package errors provides the error taxonomy shared by the recorder, the
// transcription pipeline and the control surfaces (HTTP and gRPC).
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code identifies a class of failure. Values are stable and appear on the wire.
type Code string

const (
	CodeInternal           Code = "INTERNAL"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeUnavailable        Code = "UNAVAILABLE"
	CodeTimeout            Code = "TIMEOUT"
	CodeCancelled          Code = "CANCELLED"
	CodeSessionActive      Code = "SESSION_ACTIVE"
	CodeNoSession          Code = "NO_SESSION"
	CodeProcessLaunch      Code = "PROCESS_LAUNCH_FAILED"
	CodeCaptureExitedEarly Code = "CAPTURE_EXITED_EARLY"
	CodeArtifactNotFound   Code = "ARTIFACT_NOT_FOUND"
	CodeTranscription      Code = "TRANSCRIPTION_FAILED"
	CodeRateLimited        Code = "TRANSCRIPTION_RATE_LIMITED"
	CodeConfigInvalid      Code = "CONFIG_INVALID"
)

type mapping struct {
	http int
	grpc codes.Code
}

var codeMap = map[Code]mapping{
	CodeInternal:           {http.StatusInternalServerError, codes.Internal},
	CodeInvalidArgument:    {http.StatusBadRequest, codes.InvalidArgument},
	CodeNotFound:           {http.StatusNotFound, codes.NotFound},
	CodeUnavailable:        {http.StatusServiceUnavailable, codes.Unavailable},
	CodeTimeout:            {http.StatusGatewayTimeout, codes.DeadlineExceeded},
	CodeCancelled:          {499, codes.Canceled},
	CodeSessionActive:      {http.StatusConflict, codes.AlreadyExists},
	CodeNoSession:          {http.StatusNotFound, codes.NotFound},
	CodeProcessLaunch:      {http.StatusInternalServerError, codes.FailedPrecondition},
	CodeCaptureExitedEarly: {http.StatusInternalServerError, codes.Aborted},
	CodeArtifactNotFound:   {http.StatusNotFound, codes.NotFound},
	CodeTranscription:      {http.StatusBadGateway, codes.Internal},
	CodeRateLimited:        {http.StatusTooManyRequests, codes.ResourceExhausted},
	CodeConfigInvalid:      {http.StatusBadRequest, codes.InvalidArgument},
}

// AppError is the base error type with structured error code and metadata.
type AppError struct {
	Code     Code              `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Cause    error             `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// HTTPStatus returns the HTTP status the control surface answers with.
func (e *AppError) HTTPStatus() int {
	if m, ok := codeMap[e.Code]; ok {
		return m.http
	}
	return http.StatusInternalServerError
}

// GRPCCode returns the corresponding gRPC status code.
func (e *AppError) GRPCCode() codes.Code {
	if m, ok := codeMap[e.Code]; ok {
		return m.grpc
	}
	return codes.Unknown
}

// GRPCStatus lets status.FromError recognise an AppError.
func (e *AppError) GRPCStatus() *status.Status {
	return status.New(e.GRPCCode(), e.Error())
}

// New creates a new AppError with the given code and message.
func New(code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// As extracts the first AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// From returns err as an AppError, classifying plain errors as INTERNAL
// (or CANCELLED / TIMEOUT for context errors).
func From(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := As(err); ok {
		return appErr
	}
	switch {
	case stderrors.Is(err, context.Canceled):
		return Wrap(err, CodeCancelled, "operation cancelled")
	case stderrors.Is(err, context.DeadlineExceeded):
		return Wrap(err, CodeTimeout, "operation timed out")
	}
	return Wrap(err, CodeInternal, err.Error())
}

// FromGRPCError maps a gRPC status error back to an AppError (best effort).
func FromGRPCError(err error) *AppError {
	st, ok := status.FromError(err)
	if !ok {
		return &AppError{Code: CodeInternal, Message: err.Error(), Cause: err}
	}
	return &AppError{Code: grpcToCode(st.Code()), Message: st.Message(), Cause: err}
}

func grpcToCode(c codes.Code) Code {
	switch c {
	case codes.InvalidArgument:
		return CodeInvalidArgument
	case codes.NotFound:
		return CodeNotFound
	case codes.Unavailable:
		return CodeUnavailable
	case codes.DeadlineExceeded:
		return CodeTimeout
	case codes.Canceled:
		return CodeCancelled
	case codes.AlreadyExists:
		return CodeSessionActive
	case codes.ResourceExhausted:
		return CodeRateLimited
	default:
		return CodeInternal
	}
}

// IsCode checks if any AppError in err's chain has the given code.
func IsCode(err error, code Code) bool {
	appErr, ok := As(err)
	return ok && appErr.Code == code
}

// IsRetryable returns true if the error is potentially retryable.
func IsRetryable(err error) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}
	switch appErr.Code {
	case CodeUnavailable, CodeTimeout, CodeRateLimited, CodeArtifactNotFound:
		return true
	default:
		return false
	}
}
