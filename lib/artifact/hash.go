// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package artifact provides content-addressed blob storage for run
// outputs and coverage report payloads. Blobs are addressed by a
// keyed BLAKE3 hash of their uncompressed bytes and stored compressed
// on the filesystem; references are opaque "loom-<hex>" strings that
// later jobs and external consumers can retrieve.
package artifact

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3 digest of a blob's uncompressed bytes.
type Hash [32]byte

// blobDomainKey is the 32-byte key for BLAKE3 keyed hashing. Domain
// separation keeps loom artifact hashes distinct from any other use
// of BLAKE3 over the same bytes. The value is the ASCII domain name
// zero-padded to 32 bytes: readable in hex dumps, and an opaque key
// as far as BLAKE3 is concerned.
var blobDomainKey = [32]byte{
	'l', 'o', 'o', 'm', '.', 'a', 'r', 't', 'i', 'f', 'a', 'c', 't', '.',
	'b', 'l', 'o', 'b', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// refPrefix starts every artifact reference string.
const refPrefix = "loom-"

// HashBlob computes the blob-domain hash of data. Hashes are always
// computed on uncompressed bytes so the address is stable across
// compression algorithm changes.
func HashBlob(data []byte) Hash {
	hasher, err := blake3.NewKeyed(blobDomainKey[:])
	if err != nil {
		// NewKeyed fails only on a wrong key length, which is a
		// compile-time constant here.
		panic("artifact: keyed hasher initialization failed: " + err.Error())
	}
	hasher.Write(data)

	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h
}

// Ref returns the reference string for the hash.
func (h Hash) Ref() string {
	return refPrefix + hex.EncodeToString(h[:])
}

// ParseRef parses a "loom-<hex>" reference back into a Hash.
func ParseRef(ref string) (Hash, error) {
	encoded, found := strings.CutPrefix(ref, refPrefix)
	if !found {
		return Hash{}, fmt.Errorf("artifact: reference %q does not start with %q", ref, refPrefix)
	}
	decoded, err := hex.DecodeString(encoded)
	if err != nil {
		return Hash{}, fmt.Errorf("artifact: reference %q: %w", ref, err)
	}
	if len(decoded) != len(Hash{}) {
		return Hash{}, fmt.Errorf("artifact: reference %q has %d hash bytes, want %d", ref, len(decoded), len(Hash{}))
	}

	var h Hash
	copy(h[:], decoded)
	return h, nil
}
