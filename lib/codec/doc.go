// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Loom's standard CBOR encoding configuration.
//
// Loom uses two serialization formats with a clear boundary:
//
//   - JSON (with comments) for external interfaces: workflow
//     definition files and CLI output.
//   - CBOR for internal records: run detail blobs in the history
//     journal.
//
// This package provides the shared CBOR encoding and decoding modes so
// that every Loom package encodes identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes.
//
// # Struct Tag Rules
//
// The struct tag on a type documents its serialization format:
//
//   - `cbor` tag: this type is ONLY ever serialized as CBOR. It will
//     never be marshaled to JSON or interact with CLI tooling.
//     Example: history journal detail records.
//   - `json` tag: this type may be serialized as BOTH JSON and CBOR.
//     fxamacker/cbor v2 reads `json` tags as fallback when `cbor`
//     tags are absent, so a single `json` tag controls field naming
//     and omitempty for both formats.
//
// Never use both `cbor` and `json` tags on the same field.
package codec
