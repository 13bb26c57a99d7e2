// Package s3storage implements origin.Storage on Amazon S3 and S3 compatible services.
package s3storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-uploadkit/origin"
	"github.com/bitrise-io/go-uploadkit/protocol"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const numCompleteRetries = 2

type multipartAPI interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

type presignAPI interface {
	PresignPostObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignPostOptions)) (*s3.PresignedPostRequest, error)
	PresignUploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Storage ...
type Storage struct {
	config    Config
	client    multipartAPI
	presigner presignAPI
	logger    log.Logger

	completeWait time.Duration
}

var _ origin.Storage = (*Storage)(nil)

// New creates a Storage for the bucket of config.
func New(ctx context.Context, cfg Config, logger log.Logger) (*Storage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	awsCfg, err := loadAWSConfig(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(*awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newStorage(cfg, client, s3.NewPresignClient(client), logger), nil
}

func newStorage(cfg Config, client multipartAPI, presigner presignAPI, logger log.Logger) *Storage {
	return &Storage{config: cfg, client: client, presigner: presigner, logger: logger, completeWait: time.Second}
}

func loadAWSConfig(ctx context.Context, cfg Config, logger log.Logger) (*aws.Config, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, string(cfg.SecretAccessKey), "")))
	} else {
		logger.Debugf("aws credentials not defined, loading credentials from environment...")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &awsCfg, nil
}

// PresignPost returns a form upload limited to exactly req.Size bytes of req.ContentType.
func (s *Storage) PresignPost(ctx context.Context, req origin.ObjectRequest) (protocol.PresignedPost, error) {
	out, err := s.presigner.PresignPostObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(req.Key),
	}, func(o *s3.PresignPostOptions) {
		o.Expires = req.Expires
		o.Conditions = []interface{}{
			[]interface{}{"content-length-range", req.Size, req.Size},
			map[string]string{"Content-Type": req.ContentType},
		}
	})
	if err != nil {
		return protocol.PresignedPost{}, apiError("presign post", req.Key, err)
	}

	fields := make(map[string]string, len(out.Values)+1)
	for k, v := range out.Values {
		fields[k] = v
	}
	fields["Content-Type"] = req.ContentType
	return protocol.PresignedPost{URL: out.URL, Fields: fields}, nil
}

// CreateMultipart starts a multipart upload and presigns a PUT for each of its parts.
// The upload is aborted when presigning fails.
func (s *Storage) CreateMultipart(ctx context.Context, req origin.MultipartRequest) (protocol.PresignedMultipart, error) {
	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:             aws.String(s.config.Bucket),
		Key:                aws.String(req.Key),
		ContentType:        aws.String(req.ContentType),
		ContentDisposition: aws.String(contentDisposition(req.FileName)),
	})
	if err != nil {
		return protocol.PresignedMultipart{}, apiError("create multipart upload", req.Key, err)
	}
	uploadID := aws.ToString(created.UploadId)

	mp := protocol.PresignedMultipart{
		UploadID:  uploadID,
		ChunkSize: req.ChunkSize,
		Parts:     make([]protocol.PresignedPart, 0, req.Parts),
	}
	for n := 1; n <= req.Parts; n++ {
		presigned, err := s.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(s.config.Bucket),
			Key:        aws.String(req.Key),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(int32(n)),
		}, s3.WithPresignExpires(req.Expires))
		if err != nil {
			if abortErr := s.AbortMultipart(ctx, req.Key, uploadID); abortErr != nil {
				s.logger.Warnf("Failed to abort multipart upload %s: %s", uploadID, abortErr)
			}
			return protocol.PresignedMultipart{}, apiError(fmt.Sprintf("presign part %d", n), req.Key, err)
		}
		mp.Parts = append(mp.Parts, protocol.PresignedPart{PartNumber: n, URL: presigned.URL})
	}

	s.logger.Debugf("Created multipart upload %s of %s with %d parts", uploadID, req.Key, req.Parts)
	return mp, nil
}

// CompleteMultipart ...
func (s *Storage) CompleteMultipart(ctx context.Context, key, uploadID string, parts []protocol.PartResult) error {
	completed := make([]types.CompletedPart, len(parts))
	for i, part := range parts {
		completed[i] = types.CompletedPart{
			ETag:       aws.String(part.ETag),
			PartNumber: aws.Int32(int32(part.PartNumber)),
		}
	}

	return retry.Times(numCompleteRetries).Wait(s.completeWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(s.config.Bucket),
			Key:             aws.String(key),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
		})
		if err == nil {
			return nil, false
		}
		if ctx.Err() != nil {
			return err, true
		}

		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorFault() == smithy.FaultClient {
			return apiError("complete multipart upload", key, err), true
		}
		s.logger.Warnf("Attempt %d to complete multipart upload %s failed: %s", attempt+1, uploadID, err)
		return apiError("complete multipart upload", key, err), false
	})
}

// AbortMultipart discards uploadID. An upload that no longer exists is not an error.
func (s *Storage) AbortMultipart(ctx context.Context, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.config.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		var noSuchUpload *types.NoSuchUpload
		if errors.As(err, &noSuchUpload) {
			s.logger.Debugf("Multipart upload %s already gone", uploadID)
			return nil
		}
		return apiError("abort multipart upload", key, err)
	}
	return nil
}

// FileURL returns the URL of key under PublicURL, or its bucket URL when PublicURL is not set.
func (s *Storage) FileURL(key string) string {
	escaped := (&url.URL{Path: key}).EscapedPath()
	switch {
	case s.config.PublicURL != "":
		return strings.TrimSuffix(s.config.PublicURL, "/") + "/" + escaped
	case s.config.Endpoint != "":
		return strings.TrimSuffix(s.config.Endpoint, "/") + "/" + s.config.Bucket + "/" + escaped
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.config.Bucket, s.config.Region, escaped)
	}
}

func apiError(op, key string, err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return fmt.Errorf("%s %s: %s: %w", op, key, ae.ErrorCode(), err)
	}
	return fmt.Errorf("%s %s: %w", op, key, err)
}

func contentDisposition(fileName string) string {
	return fmt.Sprintf("inline; filename=%q; filename*=UTF-8''%s", fileName, url.PathEscape(fileName))
}
