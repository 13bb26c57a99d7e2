package plan

import (
	"fmt"
	"testing"

	"github.com/bitrise-io/go-uploadkit/protocol"
	"github.com/bitrise-io/go-uploadkit/uploaderror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mib = 1024 * 1024

func multipartDescriptor(chunkSize int64, partNumbers ...int) protocol.PresignedDescriptor {
	parts := make([]protocol.PresignedPart, 0, len(partNumbers))
	for _, n := range partNumbers {
		parts = append(parts, protocol.PresignedPart{
			PartNumber: n,
			URL:        fmt.Sprintf("https://bucket/abc?partNumber=%d&uploadId=random-upload-id", n),
		})
	}
	return protocol.PresignedDescriptor{
		Key:       "abc",
		Multipart: &protocol.PresignedMultipart{UploadID: "random-upload-id", ChunkSize: chunkSize, Parts: parts},
	}
}

func TestNew_SinglePost(t *testing.T) {
	descriptor := protocol.PresignedDescriptor{
		Key:  "abc",
		Post: &protocol.PresignedPost{URL: "https://bucket", Fields: map[string]string{"key": "abc"}},
	}

	p, err := New(protocol.FileDescriptor{Name: "foo.txt", Size: 3}, descriptor)

	require.NoError(t, err)
	assert.Equal(t, SinglePost, p.Strategy)
	require.Len(t, p.Steps, 1)
	assert.Equal(t, Step{Kind: StepPost, URL: "https://bucket", Fields: map[string]string{"key": "abc"}, Length: 3}, p.Steps[0])
	assert.Nil(t, p.UploadID())
}

func TestNew_EmptyFileSinglePost(t *testing.T) {
	descriptor := protocol.PresignedDescriptor{Key: "abc", Post: &protocol.PresignedPost{URL: "https://bucket"}}

	p, err := New(protocol.FileDescriptor{Name: "empty.txt"}, descriptor)

	require.NoError(t, err)
	assert.Equal(t, int64(0), p.Steps[0].Length)
}

func TestNew_Multipart(t *testing.T) {
	// Given parts listed out of order
	descriptor := multipartDescriptor(5*mib, 2, 1)

	// When
	p, err := New(protocol.FileDescriptor{Name: "big.bin", Size: 10*mib - 1}, descriptor)

	// Then
	require.NoError(t, err)
	assert.Equal(t, Multipart, p.Strategy)
	require.Len(t, p.Steps, 3)
	assert.Equal(t, StepPut, p.Steps[0].Kind)
	assert.Equal(t, 1, p.Steps[0].PartNumber)
	assert.Equal(t, int64(0), p.Steps[0].Offset)
	assert.Equal(t, int64(5*mib), p.Steps[0].Length)
	assert.Equal(t, 2, p.Steps[1].PartNumber)
	assert.Equal(t, int64(5*mib), p.Steps[1].Offset)
	assert.Equal(t, int64(5*mib-1), p.Steps[1].Length)
	assert.Equal(t, StepComplete, p.Steps[2].Kind)
	assert.Len(t, p.Transfers(), 2)
	require.NotNil(t, p.UploadID())
	assert.Equal(t, "random-upload-id", *p.UploadID())
}

func TestNew_InvalidDescriptors(t *testing.T) {
	tests := []struct {
		name       string
		size       int64
		descriptor protocol.PresignedDescriptor
	}{
		{name: "no variant", size: 3, descriptor: protocol.PresignedDescriptor{Key: "abc"}},
		{name: "multipart for empty file", size: 0, descriptor: multipartDescriptor(5*mib, 1)},
		{name: "missing part", size: 10 * mib, descriptor: multipartDescriptor(5*mib, 1, 3)},
		{name: "duplicate part", size: 10 * mib, descriptor: multipartDescriptor(5*mib, 1, 1)},
		{name: "too few parts", size: 10*mib + 1, descriptor: multipartDescriptor(5*mib, 1, 2)},
		{name: "too many parts", size: 5 * mib, descriptor: multipartDescriptor(5*mib, 1, 2)},
		{name: "zero chunk size", size: 5 * mib, descriptor: multipartDescriptor(0, 1)},
		{name: "no parts", size: 5 * mib, descriptor: multipartDescriptor(5 * mib)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(protocol.FileDescriptor{Name: "f", Size: tt.size}, tt.descriptor)

			require.Error(t, err)
			assert.Equal(t, uploaderror.KindPresignedDescriptor, uploaderror.KindOf(err))
		})
	}
}

func TestChooseStrategy(t *testing.T) {
	assert.Equal(t, SinglePost, ChooseStrategy(0, 0))
	assert.Equal(t, SinglePost, ChooseStrategy(3, 5*mib))
	assert.Equal(t, Multipart, ChooseStrategy(5*mib, 5*mib))
	assert.Equal(t, Multipart, ChooseStrategy(1, 0))
}

func TestPartCount(t *testing.T) {
	assert.Equal(t, 0, PartCount(0, 5*mib))
	assert.Equal(t, 1, PartCount(1, 5*mib))
	assert.Equal(t, 1, PartCount(5*mib, 5*mib))
	assert.Equal(t, 2, PartCount(5*mib+1, 5*mib))
	assert.Equal(t, 2, PartCount(10*mib, 5*mib))
}
