package queue

import "bytes"

// Compressor transforms serialized batch envelopes before they hit the wire.
// The batching logic never inspects the bytes; swapping in a real algorithm
// is a one-line change at construction time.
type Compressor interface {
	// Compress returns the transformed payload and whether a transform was
	// applied. Returning the input unchanged with false is always valid.
	Compress(data []byte) ([]byte, bool, error)
	// Decompress reverses Compress for payloads flagged as compressed.
	Decompress(data []byte) ([]byte, error)
}

// NopCompressor is the default: payloads pass through untouched.
type NopCompressor struct{}

func (NopCompressor) Compress(data []byte) ([]byte, bool, error) { return data, false, nil }

func (NopCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }

var (
	plainTag      = []byte(`"compressed":false`)
	compressedTag = []byte(`"compressed":true`)
)

// TagCompressor marks batch envelopes as compressed without transforming the
// payload. It reproduces the legacy placeholder behavior so peers exercising
// the compressed decode path can be tested before a real algorithm lands.
type TagCompressor struct{}

func (TagCompressor) Compress(data []byte) ([]byte, bool, error) {
	if !bytes.Contains(data, plainTag) {
		return data, false, nil
	}
	return bytes.Replace(data, plainTag, compressedTag, 1), true, nil
}

func (TagCompressor) Decompress(data []byte) ([]byte, error) {
	return bytes.Replace(data, compressedTag, plainTag, 1), nil
}
