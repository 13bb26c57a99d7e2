// Package route describes the constraints an upload route declares for its files
// and validates file batches against them.
package route

import (
	"fmt"
	"mime"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bitrise-io/go-uploadkit/protocol"
	"github.com/bitrise-io/go-uploadkit/uploaderror"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
)

// FileType is a file category (image, video, audio, pdf, text, blob),
// an exact MIME type or a MIME glob such as "image/*".
type FileType string

// File categories
const (
	Image FileType = "image"
	Video FileType = "video"
	Audio FileType = "audio"
	PDF   FileType = "pdf"
	Text  FileType = "text"
	Blob  FileType = "blob"
)

var defaultMaxFileSize = map[FileType]string{
	Image: "4MB",
	Video: "16MB",
	Audio: "8MB",
	PDF:   "4MB",
	Text:  "64KB",
	Blob:  "8MB",
}

var categoryPattern = map[FileType]string{
	Image: "image/*",
	Video: "video/*",
	Audio: "audio/*",
	PDF:   "application/pdf",
	Text:  "text/*",
	Blob:  "*/*",
}

// FileRouteConfig holds the limits of one file type.
type FileRouteConfig struct {
	// MaxFileSize is a human readable size ("16MB", binary units). Defaults by category.
	MaxFileSize  string `json:"maxFileSize,omitempty"`
	MinFileCount int    `json:"minFileCount,omitempty"`
	MaxFileCount int    `json:"maxFileCount,omitempty"`
}

// Config maps the file types a route accepts to their limits.
type Config map[FileType]FileRouteConfig

// ResolvedLimits are the effective limits of a file type after defaults.
type ResolvedLimits struct {
	MaxFileSize  int64 `json:"maxFileSize"`
	MinFileCount int   `json:"minFileCount"`
	MaxFileCount int   `json:"maxFileCount"`
}

// ParseFileSize parses a human readable size such as "16MB" or "512KB" into bytes.
func ParseFileSize(size string) (int64, error) {
	b, err := units.RAMInBytes(size)
	if err != nil {
		return 0, fmt.Errorf("parse file size %q: %w", size, err)
	}
	if b < 0 {
		return 0, fmt.Errorf("parse file size %q: negative size", size)
	}
	return b, nil
}

// Resolve returns the effective limits of fileType.
func (c Config) Resolve(fileType FileType) (ResolvedLimits, error) {
	cfg := c[fileType]

	sizeStr := cfg.MaxFileSize
	if sizeStr == "" {
		var ok bool
		sizeStr, ok = defaultMaxFileSize[fileType]
		if !ok {
			sizeStr = defaultMaxFileSize[Blob]
		}
	}
	maxSize, err := ParseFileSize(sizeStr)
	if err != nil {
		return ResolvedLimits{}, err
	}

	limits := ResolvedLimits{
		MaxFileSize:  maxSize,
		MinFileCount: cfg.MinFileCount,
		MaxFileCount: cfg.MaxFileCount,
	}
	if limits.MinFileCount <= 0 {
		limits.MinFileCount = 1
	}
	if limits.MaxFileCount <= 0 {
		limits.MaxFileCount = 1
	}
	return limits, nil
}

// Permissions returns the resolved limits of every configured file type.
func (c Config) Permissions() (map[FileType]ResolvedLimits, error) {
	perms := make(map[FileType]ResolvedLimits, len(c))
	for fileType := range c {
		limits, err := c.Resolve(fileType)
		if err != nil {
			return nil, err
		}
		perms[fileType] = limits
	}
	return perms, nil
}

// Match returns the configured file type that accepts a file of the given MIME type and name.
// Exact MIME types win over globs, globs win over categories, and blob matches anything.
func (c Config) Match(mimeType, name string) (FileType, bool) {
	mimeType = normalizeMIME(mimeType, name)

	if _, ok := c[FileType(mimeType)]; ok && mimeType != "" {
		return FileType(mimeType), true
	}

	types := make([]FileType, 0, len(c))
	for t := range c {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	for _, t := range types {
		if _, isCategory := categoryPattern[t]; isCategory {
			continue
		}
		if ok, _ := doublestar.Match(string(t), mimeType); ok {
			return t, true
		}
	}

	for _, t := range types {
		pattern, isCategory := categoryPattern[t]
		if !isCategory || t == Blob {
			continue
		}
		if ok, _ := doublestar.Match(pattern, mimeType); ok {
			return t, true
		}
	}

	if _, ok := c[Blob]; ok {
		return Blob, true
	}
	return "", false
}

// Validate checks files against the route constraints. It never touches the network.
func (c Config) Validate(files []protocol.FileDescriptor) error {
	if len(files) == 0 {
		return uploaderror.Validation(uploaderror.CodeBadRequest, "No files provided")
	}

	counts := map[FileType]int{}
	for _, file := range files {
		if file.Size < 0 {
			return uploaderror.Validation(uploaderror.CodeBadRequest, "Invalid config: FileSizeMismatch")
		}

		fileType, ok := c.Match(file.Type, file.Name)
		if !ok {
			return uploaderror.Validation(uploaderror.CodeInvalidFileType, "Invalid config: InvalidFileType")
		}

		limits, err := c.Resolve(fileType)
		if err != nil {
			return uploaderror.Validation(uploaderror.CodeBadRequest, "Invalid config: "+err.Error()).WithCause(err)
		}
		if file.Size > limits.MaxFileSize {
			e := uploaderror.Validation(uploaderror.CodeTooLarge, "Invalid config: FileSizeMismatch")
			e.Data = map[string]any{"fileName": file.Name, "maxFileSize": units.BytesSize(float64(limits.MaxFileSize))}
			return e
		}
		counts[fileType]++
	}

	for fileType, count := range counts {
		limits, err := c.Resolve(fileType)
		if err != nil {
			return uploaderror.Validation(uploaderror.CodeBadRequest, "Invalid config: "+err.Error()).WithCause(err)
		}
		if count > limits.MaxFileCount {
			return uploaderror.Validation(uploaderror.CodeTooManyFiles, "Invalid config: FileCountMismatch")
		}
		if count < limits.MinFileCount {
			return uploaderror.Validation(uploaderror.CodeTooSmall, "Invalid config: FileCountMismatch")
		}
	}

	return nil
}

func normalizeMIME(mimeType, name string) string {
	if mediaType, _, err := mime.ParseMediaType(mimeType); err == nil {
		return strings.ToLower(mediaType)
	}
	if byExt := mime.TypeByExtension(filepath.Ext(name)); byExt != "" {
		if mediaType, _, err := mime.ParseMediaType(byExt); err == nil {
			return mediaType
		}
	}
	return "application/octet-stream"
}
