// Package protocol holds the wire types exchanged between the upload client, the origin server
// and the storage-facing services.
package protocol

import (
	"encoding/json"
	"sort"

	"github.com/bitrise-io/go-uploadkit/uploaderror"
)

// Version is the protocol version sent with every request.
const Version = "1.4.0"

// Headers
const (
	HeaderPackage   = "x-uploadkit-package"
	HeaderVersion   = "x-uploadkit-version"
	HeaderSignature = "x-uploadkit-signature"
	HeaderAPIKey    = "x-uploadkit-api-key"
	HeaderHook      = "x-uploadkit-hook"
)

// HookCallback is the HeaderHook value of the signed storage completion callback.
const HookCallback = "callback"

// Query parameters
const (
	QueryActionType = "actionType"
	QuerySlug       = "slug"
)

// ActionType selects the origin operation of a report.
type ActionType string

// Action types
const (
	ActionUpload            ActionType = "upload"
	ActionMultipartComplete ActionType = "multipart-complete"
	ActionFailure           ActionType = "failure"
	ActionPoll              ActionType = "poll"
)

// Valid ...
func (a ActionType) Valid() bool {
	switch a {
	case ActionUpload, ActionMultipartComplete, ActionFailure, ActionPoll:
		return true
	}
	return false
}

// FileDescriptor identifies one file of an upload batch.
type FileDescriptor struct {
	Name     string  `json:"name"`
	Size     int64   `json:"size"`
	Type     string  `json:"type"`
	CustomID *string `json:"customId"`
	// LastModified is a unix timestamp in milliseconds.
	LastModified *int64 `json:"lastModified,omitempty"`
}

// PresignedPost is the single shot variant: a form POST of Fields plus the file.
type PresignedPost struct {
	URL    string            `json:"url"`
	Fields map[string]string `json:"fields"`
}

// PresignedPart is the presigned PUT URL of one part.
type PresignedPart struct {
	PartNumber int    `json:"partNumber"`
	URL        string `json:"url"`
}

// PresignedMultipart is the chunked variant.
type PresignedMultipart struct {
	UploadID  string          `json:"uploadId"`
	ChunkSize int64           `json:"chunkSize"`
	Parts     []PresignedPart `json:"parts"`
}

// PresignedDescriptor is what the origin issues for each requested file, in request order.
// Exactly one of Post and Multipart is set.
type PresignedDescriptor struct {
	Key       string              `json:"key"`
	FileName  string              `json:"fileName"`
	FileType  string              `json:"fileType"`
	FileURL   string              `json:"fileUrl"`
	CustomID  *string             `json:"customId"`
	Post      *PresignedPost      `json:"post,omitempty"`
	Multipart *PresignedMultipart `json:"multipart,omitempty"`
}

// Validate checks the variant invariant of d.
func (d PresignedDescriptor) Validate() error {
	if d.Key == "" {
		return uploaderror.PresignedDescriptor("missing key for %q", d.FileName)
	}
	switch {
	case d.Post != nil && d.Multipart != nil:
		return uploaderror.PresignedDescriptor("both post and multipart set for %s", d.Key)
	case d.Post == nil && d.Multipart == nil:
		return uploaderror.PresignedDescriptor("neither post nor multipart set for %s", d.Key)
	case d.Post != nil && d.Post.URL == "":
		return uploaderror.PresignedDescriptor("empty post url for %s", d.Key)
	case d.Multipart != nil && d.Multipart.UploadID == "":
		return uploaderror.PresignedDescriptor("empty upload id for %s", d.Key)
	}
	return nil
}

// PartResult is the outcome of one uploaded part.
type PartResult struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

// SortParts orders parts by part number in place.
func SortParts(parts []PartResult) {
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
}

// UploadedFile is the per-file success payload handed to the caller.
type UploadedFile struct {
	Name       string          `json:"name"`
	Size       int64           `json:"size"`
	Type       string          `json:"type"`
	CustomID   *string         `json:"customId"`
	Key        string          `json:"key"`
	URL        string          `json:"url"`
	ServerData json.RawMessage `json:"serverData"`
}

// UploadRequest is the body of an ActionUpload report.
type UploadRequest struct {
	Files []FileDescriptor `json:"files"`
	Input json.RawMessage  `json:"input,omitempty"`
}

// MultipartCompleteRequest is the body of an ActionMultipartComplete report.
type MultipartCompleteRequest struct {
	FileKey  string       `json:"fileKey"`
	UploadID string       `json:"uploadId"`
	Etags    []PartResult `json:"etags"`
}

// SuccessResponse ...
type SuccessResponse struct {
	Success bool `json:"success"`
}

// FailureRequest is the body of an ActionFailure report.
type FailureRequest struct {
	FileKey  string  `json:"fileKey"`
	UploadID *string `json:"uploadId"`
	// StorageError is the raw error body returned by the storage service, if any.
	StorageError string `json:"storageError,omitempty"`
	FileName     string `json:"fileName"`
}

// FailureCallback is posted by the origin to the failure callback endpoint.
type FailureCallback struct {
	FileKey  string  `json:"fileKey"`
	UploadID *string `json:"uploadId"`
}

// PollRequest is the body of an ActionPoll report.
type PollRequest struct {
	FileKey string `json:"fileKey"`
}

// Poll statuses
const (
	PollStatusDone    = "done"
	PollStatusWaiting = "still waiting"
)

// PollResponse ...
type PollResponse struct {
	Status     string          `json:"status"`
	ServerData json.RawMessage `json:"serverData,omitempty"`
}

// CallbackFile describes the stored object in a completion callback.
type CallbackFile struct {
	Key      string  `json:"key"`
	Name     string  `json:"name"`
	Size     int64   `json:"size"`
	URL      string  `json:"url"`
	CustomID *string `json:"customId"`
}

// CallbackPayload is the signed body the storage side posts when an object is stored.
type CallbackPayload struct {
	Status string       `json:"status"`
	File   CallbackFile `json:"file"`
}
