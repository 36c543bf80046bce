// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package artifact

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// headerSize is the on-disk blob header: 1 byte compression tag plus
// 8 bytes big-endian uncompressed size.
const headerSize = 9

// Store is a filesystem-backed content-addressed blob store. Blobs
// live at <root>/<hh>/<hex> where hh is the first hash byte, keeping
// directory fan-out manageable.
//
// Store is safe for concurrent use: writes go through a temp file and
// an atomic rename, and identical content always produces identical
// bytes at the same path.
type Store struct {
	root   string
	logger *slog.Logger
}

// Open creates a Store rooted at dir, creating the directory if
// needed. A nil logger discards.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("artifact: store root is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: creating store root: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{root: dir, logger: logger}, nil
}

// Store writes a blob and returns its reference. The compression
// algorithm is picked from contentType; storing the same content
// twice is a cheap no-op returning the same reference.
func (s *Store) Store(data []byte, contentType string) (string, error) {
	hash := HashBlob(data)
	path := s.blobPath(hash)

	if _, err := os.Stat(path); err == nil {
		// Content-addressed: the blob is already present.
		return hash.Ref(), nil
	}

	tag := tagForContentType(contentType)
	compressed, err := compress(data, tag)
	if err == errIncompressible {
		tag = CompressionNone
		compressed = data
	} else if err != nil {
		return "", fmt.Errorf("artifact: compressing blob: %w", err)
	}
	if len(compressed) >= len(data) && tag != CompressionNone {
		// Compression did not help; store raw.
		tag = CompressionNone
		compressed = data
	}

	encoded := make([]byte, headerSize+len(compressed))
	encoded[0] = byte(tag)
	binary.BigEndian.PutUint64(encoded[1:headerSize], uint64(len(data)))
	copy(encoded[headerSize:], compressed)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("artifact: creating blob directory: %w", err)
	}

	// Write-then-rename so readers never observe a partial blob.
	temp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("artifact: creating temp file: %w", err)
	}
	if _, err := temp.Write(encoded); err != nil {
		temp.Close()
		os.Remove(temp.Name())
		return "", fmt.Errorf("artifact: writing blob: %w", err)
	}
	if err := temp.Close(); err != nil {
		os.Remove(temp.Name())
		return "", fmt.Errorf("artifact: closing blob: %w", err)
	}
	if err := os.Rename(temp.Name(), path); err != nil {
		os.Remove(temp.Name())
		return "", fmt.Errorf("artifact: installing blob: %w", err)
	}

	s.logger.Debug("blob stored", "ref", hash.Ref(), "size", len(data), "compression", tag.String())
	return hash.Ref(), nil
}

// Load reads a blob by reference, decompresses it, and verifies its
// hash against the reference before returning.
func (s *Store) Load(ref string) ([]byte, error) {
	hash, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}

	encoded, err := os.ReadFile(s.blobPath(hash))
	if err != nil {
		return nil, fmt.Errorf("artifact: reading %s: %w", ref, err)
	}
	if len(encoded) < headerSize {
		return nil, fmt.Errorf("artifact: blob %s is %d bytes, smaller than the %d byte header", ref, len(encoded), headerSize)
	}

	tag := CompressionTag(encoded[0])
	uncompressedSize := binary.BigEndian.Uint64(encoded[1:headerSize])
	data, err := decompress(encoded[headerSize:], tag, int(uncompressedSize))
	if err != nil {
		return nil, fmt.Errorf("artifact: blob %s: %w", ref, err)
	}

	if HashBlob(data) != hash {
		return nil, fmt.Errorf("artifact: blob %s failed hash verification", ref)
	}
	return data, nil
}

// Exists reports whether a blob is present for the reference.
func (s *Store) Exists(ref string) (bool, error) {
	hash, err := ParseRef(ref)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(s.blobPath(hash)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) blobPath(hash Hash) string {
	hexed := hash.Ref()[len(refPrefix):]
	return filepath.Join(s.root, hexed[:2], hexed)
}
