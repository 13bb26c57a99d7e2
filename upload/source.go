package upload

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/filedownloader"
	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/pathutil"
)

const (
	fileScheme = "file://"
)

// FileProvider opens upload sources given either as a local path using the `file://`
// scheme or as a remote URL, which is downloaded to a temporary location first.
// Downloads use automatic retry logic via the filedownloader package.
type FileProvider interface {
	// Open returns the File behind src. The caller must close it.
	Open(ctx context.Context, src string) (File, error)
}

type fileProvider struct {
	downloader   filedownloader.Downloader
	fileManager  fileutil.FileManager
	pathProvider pathutil.PathProvider
	pathModifier pathutil.PathModifier
}

// NewFileProvider ...
func NewFileProvider(downloader filedownloader.Downloader, fileManager fileutil.FileManager, pathProvider pathutil.PathProvider, pathModifier pathutil.PathModifier) FileProvider {
	return &fileProvider{
		downloader:   downloader,
		fileManager:  fileManager,
		pathProvider: pathProvider,
		pathModifier: pathModifier,
	}
}

func (f *fileProvider) Open(ctx context.Context, src string) (File, error) {
	localPath, err := f.localPath(ctx, src)
	if err != nil {
		return File{}, err
	}

	fd, err := f.fileManager.Open(localPath)
	if err != nil {
		return File{}, fmt.Errorf("open %s: %w", localPath, err)
	}
	return fromOSFile(fd)
}

func (f *fileProvider) localPath(ctx context.Context, src string) (string, error) {
	if strings.HasPrefix(src, fileScheme) {
		return f.pathModifier.AbsPath(strings.TrimPrefix(src, fileScheme))
	}

	return f.download(ctx, src)
}

// download fetches a remote file into a temporary directory and returns its local path.
func (f *fileProvider) download(ctx context.Context, urlPath string) (string, error) {
	parsedURL, err := url.Parse(urlPath)
	if err != nil {
		return "", fmt.Errorf("failed to extract filename from URL %s: %w", urlPath, err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return "", fmt.Errorf("unsupported source %s: expected file://, http:// or https://", urlPath)
	}

	tmpDir, err := f.pathProvider.CreateTempDir("uploadkit")
	if err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}

	localPath := filepath.Join(tmpDir, filepath.Base(parsedURL.Path))
	if err := f.downloader.Download(ctx, localPath, urlPath); err != nil {
		return "", fmt.Errorf("failed to download file from %s: %w", urlPath, err)
	}

	return localPath, nil
}
