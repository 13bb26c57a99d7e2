package uploaderror

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/smithy-go"
	smithyxml "github.com/aws/smithy-go/encoding/xml"
)

const maxErrorBodySize = 64 * 1024

// Body is the JSON shape of an error returned by the origin.
type Body struct {
	Message string `json:"message"`
	Code    Code   `json:"code,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Body returns the wire representation of e.
func (e *Error) Body() Body {
	return Body{Message: e.Message, Code: e.Code, Data: e.Data}
}

// FromResponse builds an error of the given kind from a non-2xx response.
// The body is consumed but not closed.
func FromResponse(resp *http.Response, kind Kind) *Error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		return Newf(kind, CodeFromStatus(resp.StatusCode), "HTTP %d: read body: %s", resp.StatusCode, err).
			WithStatus(resp.StatusCode).
			WithCause(err)
	}

	var body Body
	if jsonErr := json.Unmarshal(raw, &body); jsonErr == nil && body.Message != "" {
		code := body.Code
		if code == "" {
			code = CodeFromStatus(resp.StatusCode)
		}
		e := New(kind, code, body.Message).WithStatus(resp.StatusCode)
		e.Data = body.Data
		return e
	}

	message := strings.TrimSpace(string(raw))
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return Newf(kind, CodeFromStatus(resp.StatusCode), "HTTP %d: %s", resp.StatusCode, message).
		WithStatus(resp.StatusCode)
}

// ParseStorageError parses an S3 style `<Error><Code/><Message/></Error>` document.
// It returns false when body is not such a document or carries no message.
func ParseStorageError(body []byte) (*smithy.GenericAPIError, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '<' {
		return nil, false
	}

	components, err := smithyxml.GetErrorResponseComponents(bytes.NewReader(trimmed), true)
	if err != nil || components.Message == "" {
		return nil, false
	}

	return &smithy.GenericAPIError{
		Code:    components.Code,
		Message: components.Message,
		Fault:   smithy.FaultServer,
	}, true
}

// StorageFailure classifies a terminal transfer failure of fileName.
// When storageBody holds a storage XML error its code and message are used,
// otherwise a generic UPLOAD_FAILED error naming the file is returned.
func StorageFailure(fileName string, storageBody []byte, cause error) *Error {
	if apiErr, ok := ParseStorageError(storageBody); ok {
		e := New(KindStorageFailure, Code(apiErr.Code), apiErr.Message)
		if cause != nil {
			e.Cause = fmt.Errorf("%w: %w", apiErr, cause)
		} else {
			e.Cause = apiErr
		}
		return e
	}

	return Newf(KindStorageFailure, CodeUploadFailed, "Failed to upload file %s to storage", fileName).
		WithCause(cause)
}
