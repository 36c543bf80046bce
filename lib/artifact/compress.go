// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package artifact

import (
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag identifies the compression algorithm used for a
// stored blob. The tag is the first byte of the on-disk format;
// changing these values breaks existing stores.
type CompressionTag uint8

const (
	// CompressionNone stores the blob uncompressed. Used for
	// already-compressed content where compression adds CPU cost
	// without reducing size.
	CompressionNone CompressionTag = 0

	// CompressionLZ4 is the fast default for binary content of
	// unknown shape.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd gives better ratios for text: logs, coverage
	// reports, JSON.
	CompressionZstd CompressionTag = 2
)

// String returns the human-readable tag name.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(tag))
	}
}

// compress compresses data with the given algorithm.
func compress(data []byte, tag CompressionTag) ([]byte, error) {
	switch tag {
	case CompressionNone:
		return data, nil

	case CompressionLZ4:
		compressed := make([]byte, lz4.CompressBlockBound(len(data)))
		var compressor lz4.Compressor
		n, err := compressor.CompressBlock(data, compressed)
		if err != nil {
			return nil, fmt.Errorf("lz4 compression: %w", err)
		}
		if n == 0 {
			// Incompressible data; CompressBlock signals this with
			// a zero length. Callers store such blobs untagged.
			return nil, errIncompressible
		}
		return compressed[:n], nil

	case CompressionZstd:
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		defer encoder.Close()
		return encoder.EncodeAll(data, nil), nil

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

// errIncompressible signals that LZ4 could not shrink the input.
var errIncompressible = fmt.Errorf("incompressible input")

// decompress reverses compress. uncompressedSize must match the
// original length exactly; a mismatch is a corruption error.
func decompress(compressed []byte, tag CompressionTag, uncompressedSize int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(compressed) != uncompressedSize {
			return nil, fmt.Errorf("uncompressed blob: size %d does not match expected %d", len(compressed), uncompressedSize)
		}
		return compressed, nil

	case CompressionLZ4:
		decompressed := make([]byte, uncompressedSize)
		n, err := lz4.UncompressBlock(compressed, decompressed)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompression: %w", err)
		}
		if n != uncompressedSize {
			return nil, fmt.Errorf("lz4 blob: decompressed to %d bytes, expected %d", n, uncompressedSize)
		}
		return decompressed, nil

	case CompressionZstd:
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		defer decoder.Close()
		decompressed, err := decoder.DecodeAll(compressed, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompression: %w", err)
		}
		if len(decompressed) != uncompressedSize {
			return nil, fmt.Errorf("zstd blob: decompressed to %d bytes, expected %d", len(decompressed), uncompressedSize)
		}
		return decompressed, nil

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

// tagForContentType picks a compression algorithm from a blob's
// declared content type. Text-like content compresses well with zstd;
// everything else gets LZ4's cheap speed.
func tagForContentType(contentType string) CompressionTag {
	switch {
	case contentType == "":
		return CompressionLZ4
	case strings.HasPrefix(contentType, "text/"),
		contentType == "application/json",
		contentType == "application/xml":
		return CompressionZstd
	default:
		return CompressionLZ4
	}
}
