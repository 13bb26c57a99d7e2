// Package uploaderror defines the structured errors shared by the upload client and the origin server.
// Every error carries a Kind (where in the upload pipeline it happened) and a wire visible Code.
package uploaderror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error by the pipeline stage that produced it.
type Kind int

// Kinds of upload errors.
const (
	KindUnknown Kind = iota
	// KindValidation is a file rejected by the route constraints, before any network call.
	KindValidation
	// KindPresignedDescriptor is a malformed or incomplete descriptor issued by the origin.
	KindPresignedDescriptor
	// KindTransientTransfer is a retryable storage failure that exhausted its attempts.
	KindTransientTransfer
	// KindPermanentTransfer is a storage failure that is never retried (auth, validation).
	KindPermanentTransfer
	// KindReporting is a failed or unparseable call to the origin report endpoint.
	KindReporting
	// KindStorageFailure is the classified, caller visible outcome of a failed transfer.
	KindStorageFailure
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPresignedDescriptor:
		return "presigned_descriptor"
	case KindTransientTransfer:
		return "transient_transfer"
	case KindPermanentTransfer:
		return "permanent_transfer"
	case KindReporting:
		return "reporting"
	case KindStorageFailure:
		return "storage_failure"
	default:
		return "unknown"
	}
}

// Code is the wire visible error code.
type Code string

// Error codes.
const (
	CodeBadRequest          Code = "BAD_REQUEST"
	CodeNotFound            Code = "NOT_FOUND"
	CodeForbidden           Code = "FORBIDDEN"
	CodeTooLarge            Code = "TOO_LARGE"
	CodeTooSmall            Code = "TOO_SMALL"
	CodeTooManyFiles        Code = "TOO_MANY_FILES"
	CodeKeyTooLong          Code = "KEY_TOO_LONG"
	CodeInvalidFileType     Code = "INVALID_FILE_TYPE"
	CodeFileSizeMismatch    Code = "FILE_SIZE_MISMATCH"
	CodeURLGenerationFailed Code = "URL_GENERATION_FAILED"
	CodeUploadFailed        Code = "UPLOAD_FAILED"
	CodeMissingEnv          Code = "MISSING_ENV"
	CodeInternalClient      Code = "INTERNAL_CLIENT_ERROR"
	CodeInternalServer      Code = "INTERNAL_SERVER_ERROR"
)

var codeStatus = map[Code]int{
	CodeBadRequest:          http.StatusBadRequest,
	CodeNotFound:            http.StatusNotFound,
	CodeForbidden:           http.StatusForbidden,
	CodeTooLarge:            http.StatusRequestEntityTooLarge,
	CodeTooSmall:            http.StatusBadRequest,
	CodeTooManyFiles:        http.StatusBadRequest,
	CodeKeyTooLong:          http.StatusBadRequest,
	CodeInvalidFileType:     http.StatusBadRequest,
	CodeFileSizeMismatch:    http.StatusBadRequest,
	CodeURLGenerationFailed: http.StatusInternalServerError,
	CodeUploadFailed:        http.StatusInternalServerError,
	CodeMissingEnv:          http.StatusInternalServerError,
	CodeInternalClient:      http.StatusInternalServerError,
	CodeInternalServer:      http.StatusInternalServerError,
}

// StatusFromCode returns the HTTP status an origin responds with for code.
func StatusFromCode(code Code) int {
	if status, ok := codeStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// CodeFromStatus is the inverse of StatusFromCode for responses without a code.
func CodeFromStatus(status int) Code {
	switch {
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		return CodeForbidden
	case status == http.StatusRequestEntityTooLarge:
		return CodeTooLarge
	case status >= 400 && status < 500:
		return CodeBadRequest
	default:
		return CodeInternalServer
	}
}

// Error is a classified upload error.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	// Status is the HTTP status of the response that produced the error, if any.
	Status int
	// Data is extra structured data from the origin's error body.
	Data  any
	Cause error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New ...
func New(kind Kind, code Code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf ...
func Newf(kind Kind, code Code, format string, args ...any) *Error {
	return New(kind, code, fmt.Sprintf(format, args...))
}

// WithCause attaches the underlying error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithStatus records the HTTP status the error was derived from.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// Validation creates a KindValidation error.
func Validation(code Code, message string) *Error {
	return New(KindValidation, code, message)
}

// PresignedDescriptor creates a KindPresignedDescriptor error.
func PresignedDescriptor(format string, args ...any) *Error {
	return Newf(KindPresignedDescriptor, CodeBadRequest, "malformed presigned descriptor: "+format, args...)
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err's chain holds an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Cause
	}
	return false
}

// CodeOf returns the Code of the first *Error in err's chain.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternalServer
}
