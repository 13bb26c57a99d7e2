// Package plan turns a file and its presigned descriptor into the ordered steps
// that move the file's bytes to storage.
package plan

import (
	"sort"

	"github.com/bitrise-io/go-uploadkit/protocol"
	"github.com/bitrise-io/go-uploadkit/uploaderror"
)

// Strategy is how a file is transferred.
type Strategy int

// Strategies
const (
	SinglePost Strategy = iota
	Multipart
)

func (s Strategy) String() string {
	if s == Multipart {
		return "multipart"
	}
	return "single-post"
}

// ChooseStrategy picks SinglePost for empty files and files below threshold.
func ChooseStrategy(size, threshold int64) Strategy {
	if size <= 0 || size < threshold {
		return SinglePost
	}
	return Multipart
}

// PartCount is the number of chunkSize parts needed for size bytes.
func PartCount(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// StepKind ...
type StepKind int

// Step kinds
const (
	StepPost StepKind = iota
	StepPut
	StepComplete
)

func (k StepKind) String() string {
	switch k {
	case StepPost:
		return "post"
	case StepPut:
		return "put"
	default:
		return "complete"
	}
}

// Step is one unit of a plan. Post and Put steps carry bytes [Offset, Offset+Length).
type Step struct {
	Kind       StepKind
	PartNumber int
	URL        string
	Fields     map[string]string
	Offset     int64
	Length     int64
}

// Plan is the ordered list of steps for one file.
type Plan struct {
	Strategy   Strategy
	File       protocol.FileDescriptor
	Descriptor protocol.PresignedDescriptor
	Steps      []Step
}

// New builds the plan for file from descriptor. Every descriptor defect is reported
// as a KindPresignedDescriptor error, before any network activity.
func New(file protocol.FileDescriptor, descriptor protocol.PresignedDescriptor) (*Plan, error) {
	if err := descriptor.Validate(); err != nil {
		return nil, err
	}
	if file.Size < 0 {
		return nil, uploaderror.PresignedDescriptor("negative size %d for %s", file.Size, descriptor.Key)
	}

	p := &Plan{File: file, Descriptor: descriptor}

	if descriptor.Post != nil {
		p.Strategy = SinglePost
		p.Steps = []Step{{
			Kind:   StepPost,
			URL:    descriptor.Post.URL,
			Fields: descriptor.Post.Fields,
			Length: file.Size,
		}}
		return p, nil
	}

	if file.Size == 0 {
		return nil, uploaderror.PresignedDescriptor("multipart descriptor for empty file %s", descriptor.Key)
	}

	steps, err := multipartSteps(file.Size, descriptor.Key, *descriptor.Multipart)
	if err != nil {
		return nil, err
	}
	p.Strategy = Multipart
	p.Steps = steps
	return p, nil
}

func multipartSteps(size int64, key string, mp protocol.PresignedMultipart) ([]Step, error) {
	chunkSize := mp.ChunkSize
	n := len(mp.Parts)
	if chunkSize <= 0 {
		return nil, uploaderror.PresignedDescriptor("invalid chunk size %d for %s", chunkSize, key)
	}
	if n == 0 {
		return nil, uploaderror.PresignedDescriptor("no parts for %s", key)
	}
	if !(chunkSize*int64(n-1) < size && size <= chunkSize*int64(n)) {
		return nil, uploaderror.PresignedDescriptor("%d parts of %d bytes do not cover %d bytes for %s", n, chunkSize, size, key)
	}

	parts := make([]protocol.PresignedPart, n)
	copy(parts, mp.Parts)
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	steps := make([]Step, 0, n+1)
	for i, part := range parts {
		if part.PartNumber != i+1 {
			return nil, uploaderror.PresignedDescriptor("part numbers of %s are not contiguous from 1 to %d", key, n)
		}
		if part.URL == "" {
			return nil, uploaderror.PresignedDescriptor("empty url for part %d of %s", part.PartNumber, key)
		}
		offset := int64(i) * chunkSize
		length := chunkSize
		if offset+length > size {
			length = size - offset
		}
		steps = append(steps, Step{
			Kind:       StepPut,
			PartNumber: part.PartNumber,
			URL:        part.URL,
			Offset:     offset,
			Length:     length,
		})
	}

	return append(steps, Step{Kind: StepComplete}), nil
}

// Transfers returns the steps that carry bytes.
func (p *Plan) Transfers() []Step {
	var out []Step
	for _, s := range p.Steps {
		if s.Kind != StepComplete {
			out = append(out, s)
		}
	}
	return out
}

// UploadID returns the multipart upload id, if any.
func (p *Plan) UploadID() *string {
	if p.Descriptor.Multipart == nil {
		return nil
	}
	id := p.Descriptor.Multipart.UploadID
	return &id
}
