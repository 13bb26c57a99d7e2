package upload

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/bitrise-io/go-uploadkit/protocol"
	"github.com/gabriel-vasile/mimetype"
)

// sniffLen is how many leading bytes are used for content type detection.
const sniffLen = 3072

// File is one file of an upload batch. Its content is read at arbitrary offsets,
// so parts of it can be sent concurrently and retried.
type File struct {
	Name string
	// Type is the MIME type. Detected from the name or the content when empty.
	Type     string
	CustomID *string
	// LastModified is a unix timestamp in milliseconds.
	LastModified *int64

	size    int64
	content io.ReaderAt
	closer  io.Closer
}

// NewFile creates a File from in-memory content.
func NewFile(name, fileType string, content []byte) File {
	f := File{
		Name:    name,
		Type:    fileType,
		size:    int64(len(content)),
		content: bytes.NewReader(content),
	}
	if f.Type == "" {
		f.Type = detectType(name, content)
	}
	return f
}

// NewFileFromReaderAt creates a File of size bytes backed by r.
func NewFileFromReaderAt(name, fileType string, r io.ReaderAt, size int64) File {
	f := File{Name: name, Type: fileType, size: size, content: r}
	if f.Type == "" {
		f.Type = detectType(name, sniff(r, size))
	}
	return f
}

// OpenFile opens the file at path. The returned File must be closed.
func OpenFile(path string) (File, error) {
	fd, err := os.Open(path)
	if err != nil {
		return File{}, fmt.Errorf("open %s: %w", path, err)
	}
	return fromOSFile(fd)
}

func fromOSFile(fd *os.File) (File, error) {
	info, err := fd.Stat()
	if err != nil {
		_ = fd.Close()
		return File{}, fmt.Errorf("stat %s: %w", fd.Name(), err)
	}
	if info.IsDir() {
		_ = fd.Close()
		return File{}, fmt.Errorf("%s is a directory", fd.Name())
	}

	modified := info.ModTime().UnixMilli()
	f := NewFileFromReaderAt(filepath.Base(fd.Name()), "", fd, info.Size())
	f.LastModified = &modified
	f.closer = fd
	return f, nil
}

// Size ...
func (f File) Size() int64 {
	return f.size
}

// Close releases the file's underlying resource, if any.
func (f File) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}

func (f File) descriptor() protocol.FileDescriptor {
	return protocol.FileDescriptor{
		Name:         f.Name,
		Size:         f.size,
		Type:         f.Type,
		CustomID:     f.CustomID,
		LastModified: f.LastModified,
	}
}

func sniff(r io.ReaderAt, size int64) []byte {
	n := size
	if n > sniffLen {
		n = sniffLen
	}
	buf := make([]byte, n)
	read, err := r.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return nil
	}
	return buf[:read]
}

// detectType uses the file extension first, then the content.
func detectType(name string, head []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		if mediaType, _, err := mime.ParseMediaType(t); err == nil {
			return mediaType
		}
	}
	if len(head) == 0 {
		return "application/octet-stream"
	}
	mediaType, _, err := mime.ParseMediaType(mimetype.Detect(head).String())
	if err != nil {
		return "application/octet-stream"
	}
	return mediaType
}
