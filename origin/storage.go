package origin

import (
	"context"
	"time"

	"github.com/bitrise-io/go-uploadkit/protocol"
)

// ObjectRequest describes an object the origin wants a client to upload.
type ObjectRequest struct {
	Key         string
	FileName    string
	ContentType string
	Size        int64
	Expires     time.Duration
}

// MultipartRequest is an ObjectRequest uploaded in Parts parts of ChunkSize bytes.
type MultipartRequest struct {
	ObjectRequest
	ChunkSize int64
	Parts     int
}

// Storage is the object storage the origin issues presigned requests for.
type Storage interface {
	// PresignPost returns a single shot form upload for req.
	PresignPost(ctx context.Context, req ObjectRequest) (protocol.PresignedPost, error)
	// CreateMultipart starts a multipart upload and presigns a PUT per part.
	CreateMultipart(ctx context.Context, req MultipartRequest) (protocol.PresignedMultipart, error)
	// CompleteMultipart assembles the parts, which are ordered by part number.
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []protocol.PartResult) error
	// AbortMultipart discards a multipart upload and its stored parts.
	AbortMultipart(ctx context.Context, key, uploadID string) error
	// FileURL is the URL the stored object is served from.
	FileURL(key string) string
}
