package reporter

import (
	"github.com/bitrise-io/go-uploadkit/protocol"
)

// Event is a report sent to the origin. The set of events is closed: UploadEvent,
// MultipartCompleteEvent, FailureEvent and PollEvent.
type Event interface {
	ActionType() protocol.ActionType
	sealed()
}

// UploadEvent asks the origin for one presigned descriptor per file.
type UploadEvent protocol.UploadRequest

// MultipartCompleteEvent hands the collected part results of a multipart upload to the origin.
type MultipartCompleteEvent protocol.MultipartCompleteRequest

// FailureEvent tells the origin a file failed terminally. Reporting it always yields an error.
type FailureEvent struct {
	protocol.FailureRequest
	// Cause is the transfer error that made the file fail. It is not sent.
	Cause error `json:"-"`
}

// PollEvent asks whether the origin acknowledged the upload of a file.
type PollEvent protocol.PollRequest

// ActionType ...
func (UploadEvent) ActionType() protocol.ActionType { return protocol.ActionUpload }

// ActionType ...
func (MultipartCompleteEvent) ActionType() protocol.ActionType {
	return protocol.ActionMultipartComplete
}

// ActionType ...
func (FailureEvent) ActionType() protocol.ActionType { return protocol.ActionFailure }

// ActionType ...
func (PollEvent) ActionType() protocol.ActionType { return protocol.ActionPoll }

func (UploadEvent) sealed()            {}
func (MultipartCompleteEvent) sealed() {}
func (FailureEvent) sealed()           {}
func (PollEvent) sealed()              {}
