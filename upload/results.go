package upload

import (
	"fmt"

	"github.com/bitrise-io/go-uploadkit/protocol"
	"github.com/hashicorp/go-multierror"
)

// Results holds one Result per uploaded file, in request order.
type Results []Result

// Files returns the successfully uploaded files.
func (r Results) Files() []protocol.UploadedFile {
	var files []protocol.UploadedFile
	for _, res := range r {
		if res.Err == nil {
			files = append(files, res.File)
		}
	}
	return files
}

// Err combines the errors of every failed file, or returns nil.
func (r Results) Err() error {
	var merr *multierror.Error
	for i, res := range r {
		if res.Err != nil {
			merr = multierror.Append(merr, fmt.Errorf("file %d (%s): %w", i, res.Name, res.Err))
		}
	}
	return merr.ErrorOrNil()
}
