// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import "sync"

// DefaultCaptureSize is the default capture buffer capacity in bytes.
// 1 MB of combined stdout/stderr is plenty for failure summaries;
// longer output loses its oldest bytes, which is the right bias: the
// failure evidence is almost always at the tail.
const DefaultCaptureSize = 1024 * 1024

// captureBuffer is a fixed-size circular buffer over a task's
// combined stdout and stderr. When full, new writes overwrite the
// oldest data.
//
// All methods are safe for concurrent use: the shell's stdout and
// stderr share one buffer.
type captureBuffer struct {
	mutex    sync.Mutex
	data     []byte
	capacity int
	// writePosition is the next write index (0 to capacity-1).
	writePosition int
	// totalWritten counts every byte ever written; totalWritten >
	// capacity means the oldest output has been dropped.
	totalWritten int
}

func newCaptureBuffer(capacity int) *captureBuffer {
	if capacity <= 0 {
		capacity = DefaultCaptureSize
	}
	return &captureBuffer{
		data:     make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends p, overwriting the oldest bytes when full. Implements
// io.Writer and never fails.
func (b *captureBuffer) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for offset := 0; offset < len(p); {
		n := copy(b.data[b.writePosition:], p[offset:])
		b.writePosition = (b.writePosition + n) % b.capacity
		offset += n
	}
	b.totalWritten += len(p)
	return len(p), nil
}

// Bytes returns the buffered output in write order.
func (b *captureBuffer) Bytes() []byte {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.totalWritten <= b.capacity {
		return append([]byte{}, b.data[:b.writePosition]...)
	}
	result := make([]byte, 0, b.capacity)
	result = append(result, b.data[b.writePosition:]...)
	result = append(result, b.data[:b.writePosition]...)
	return result
}

// Truncated reports whether any output was dropped.
func (b *captureBuffer) Truncated() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.totalWritten > b.capacity
}
