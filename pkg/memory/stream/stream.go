// SPDX-License-Identifier: AGPL-3.0-only

// Package stream provides an in-memory byte stream backed by pooled chunks.
package stream

import (
	"io"

	"github.com/pkg/errors"

	"github.com/grafana/pixelmem/pkg/memory"
	"github.com/grafana/pixelmem/pkg/util/math"
)

// DefaultChunkSize is the chunk size used when none is given.
const DefaultChunkSize = 128 * 1024

var (
	// ErrClosed is returned by every operation on a closed stream.
	ErrClosed = errors.New("stream is closed")

	errNegativePosition = errors.New("negative position")
	errInvalidWhence    = errors.New("invalid whence")
)

// ChunkedStream is a seekable in-memory stream stored in chunks rented from an
// allocator, so large contents never need one contiguous allocation. Chunks are
// allocated on write and given back by Truncate and Close.
//
// ChunkedStream is not safe for concurrent use.
type ChunkedStream struct {
	alloc     *memory.Allocator
	chunkSize int
	chunks    []*memory.Buffer[byte]

	length int64
	pos    int64
	closed bool
}

// New returns an empty stream allocating chunks of chunkSize bytes from a.
// A non-positive chunkSize selects DefaultChunkSize.
func New(a *memory.Allocator, chunkSize int) *ChunkedStream {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &ChunkedStream{alloc: a, chunkSize: chunkSize}
}

// Len returns the length of the stream content.
func (s *ChunkedStream) Len() int64 { return s.length }

// Position returns the current read/write offset.
func (s *ChunkedStream) Position() int64 { return s.pos }

// ChunkCount returns the number of chunks currently held.
func (s *ChunkedStream) ChunkCount() int { return len(s.chunks) }

// locate returns the chunk holding offset off, and the bytes of that chunk from off on.
func (s *ChunkedStream) locate(off int64) []byte {
	c := s.chunks[off/int64(s.chunkSize)]
	return c.View()[off%int64(s.chunkSize):]
}

// grow makes sure the chunks can hold end bytes.
func (s *ChunkedStream) grow(end int64) error {
	need := math.DivCeil(int(end), s.chunkSize)
	for len(s.chunks) < need {
		c, err := memory.Allocate[byte](s.alloc, s.chunkSize, memory.None)
		if err != nil {
			return errors.Wrap(err, "allocate stream chunk")
		}
		s.chunks = append(s.chunks, c)
	}
	return nil
}

// zero clears [from, to), used when writing past the end.
func (s *ChunkedStream) zero(from, to int64) {
	for from < to {
		b := s.locate(from)
		n := min(int64(len(b)), to-from)
		clear(b[:n])
		from += n
	}
}

// Read implements io.Reader.
func (s *ChunkedStream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if s.pos >= s.length {
		return 0, io.EOF
	}

	n := 0
	for n < len(p) && s.pos < s.length {
		b := s.locate(s.pos)
		b = b[:min(int64(len(b)), s.length-s.pos)]
		c := copy(p[n:], b)
		n += c
		s.pos += int64(c)
	}
	return n, nil
}

// ReadByte implements io.ByteReader.
func (s *ChunkedStream) ReadByte() (byte, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if s.pos >= s.length {
		return 0, io.EOF
	}
	b := s.locate(s.pos)[0]
	s.pos++
	return b, nil
}

// Write implements io.Writer.
func (s *ChunkedStream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	end := s.pos + int64(len(p))
	if err := s.grow(end); err != nil {
		return 0, err
	}
	if s.pos > s.length {
		s.zero(s.length, s.pos)
	}

	n := 0
	for n < len(p) {
		c := copy(s.locate(s.pos), p[n:])
		n += c
		s.pos += int64(c)
	}
	s.length = max(s.length, s.pos)
	return n, nil
}

// WriteByte implements io.ByteWriter.
func (s *ChunkedStream) WriteByte(c byte) error {
	_, err := s.Write([]byte{c})
	return err
}

// Seek implements io.Seeker. Seeking past the end is allowed, a following
// write fills the gap with zeros.
func (s *ChunkedStream) Seek(offset int64, whence int) (int64, error) {
	if s.closed {
		return 0, ErrClosed
	}
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.pos + offset
	case io.SeekEnd:
		abs = s.length + offset
	default:
		return 0, errInvalidWhence
	}
	if abs < 0 {
		return 0, errNegativePosition
	}
	s.pos = abs
	return abs, nil
}

// WriteTo implements io.WriterTo. It writes the content from the current
// position on and advances the position.
func (s *ChunkedStream) WriteTo(w io.Writer) (int64, error) {
	if s.closed {
		return 0, ErrClosed
	}
	var total int64
	for s.pos < s.length {
		b := s.locate(s.pos)
		b = b[:min(int64(len(b)), s.length-s.pos)]
		n, err := w.Write(b)
		total += int64(n)
		s.pos += int64(n)
		if err != nil {
			return total, err
		}
		if n < len(b) {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}

// ReadFrom implements io.ReaderFrom. It writes everything read from r at the
// current position.
func (s *ChunkedStream) ReadFrom(r io.Reader) (int64, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if s.pos > s.length {
		if err := s.grow(s.pos); err != nil {
			return 0, err
		}
		s.zero(s.length, s.pos)
		s.length = s.pos
	}

	var total int64
	for {
		if err := s.grow(s.pos + 1); err != nil {
			return total, err
		}
		n, err := r.Read(s.locate(s.pos))
		total += int64(n)
		s.pos += int64(n)
		s.length = max(s.length, s.pos)
		if errors.Is(err, io.EOF) {
			// The last chunk may have been allocated for nothing.
			s.shrink(math.DivCeil(int(s.length), s.chunkSize))
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// Bytes returns a copy of the whole content.
func (s *ChunkedStream) Bytes() ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]byte, 0, s.length)
	for off := int64(0); off < s.length; {
		b := s.locate(off)
		b = b[:min(int64(len(b)), s.length-off)]
		out = append(out, b...)
		off += int64(len(b))
	}
	return out, nil
}

// Truncate discards everything after the first n bytes and releases the chunks
// no longer needed. The position is moved to n if it was beyond it.
func (s *ChunkedStream) Truncate(n int64) error {
	if s.closed {
		return ErrClosed
	}
	if n < 0 || n > s.length {
		return errors.Errorf("truncation out of range: %d (length: %d)", n, s.length)
	}

	s.shrink(math.DivCeil(int(n), s.chunkSize))
	s.length = n
	s.pos = min(s.pos, n)
	return nil
}

// shrink releases every chunk but the first keep ones.
func (s *ChunkedStream) shrink(keep int) {
	for i := keep; i < len(s.chunks); i++ {
		s.chunks[i].Release()
		s.chunks[i] = nil
	}
	s.chunks = s.chunks[:min(keep, len(s.chunks))]
}

// Close releases every chunk. Calls after the first one are no-ops.
func (s *ChunkedStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	for _, c := range s.chunks {
		c.Release()
	}
	s.chunks = nil
	s.length, s.pos = 0, 0
	return nil
}
