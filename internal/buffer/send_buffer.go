// File: internal/buffer/send_buffer.go
// Package buffer implements outbound buffers for the socket send queue.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A SendBuffer holds in-memory bytes (response header and optional body)
// followed by an optional file body. The socket pulls at most N bytes with
// Data, writes what it can and reports the amount with Seek.

package buffer

import (
	"fmt"
	"io"
	"os"
)

// FileChunkSize is the unit in which file bodies are read.
const FileChunkSize = 64 * 1024

// SendBuffer is a resumable outbound byte/file hybrid. Not safe for concurrent use.
type SendBuffer struct {
	mem []byte
	off int

	file       *os.File
	path       string
	autoRemove bool
	fileSize   int64
	filePos    int64 // file offset of chunk[0]
	chunk      []byte
	chunkOff   int

	sent     int64
	total    int64
	log      *AccessLog
	logged   bool
	released bool
}

// New returns a buffer over in-memory bytes. The slice is not copied.
func New(data []byte) *SendBuffer {
	return &SendBuffer{mem: data, total: int64(len(data))}
}

// NewWithBody returns a buffer holding header followed by body.
func NewWithBody(header, body []byte) *SendBuffer {
	mem := make([]byte, 0, len(header)+len(body))
	mem = append(mem, header...)
	mem = append(mem, body...)
	return New(mem)
}

// NewWithFile returns a buffer sending header then the content of path.
// With autoRemove the file is deleted on Release.
func NewWithFile(header []byte, path string, autoRemove bool) (*SendBuffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open send file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat send file: %w", err)
	}
	return &SendBuffer{
		mem:        header,
		file:       f,
		path:       path,
		autoRemove: autoRemove,
		fileSize:   st.Size(),
		total:      int64(len(header)) + st.Size(),
	}, nil
}

// SetAccessLog attaches the record written when the buffer completes or fails.
func (b *SendBuffer) SetAccessLog(l *AccessLog) { b.log = l }

// Data returns up to max unsent bytes without advancing. In-memory bytes come
// first; after that the file is read in FileChunkSize pieces.
func (b *SendBuffer) Data(max int) ([]byte, error) {
	if max <= 0 {
		return nil, nil
	}
	if b.off < len(b.mem) {
		return clip(b.mem[b.off:], max), nil
	}
	if b.file == nil {
		return nil, nil
	}
	if b.chunkOff >= len(b.chunk) {
		if err := b.fill(); err != nil {
			return nil, err
		}
	}
	return clip(b.chunk[b.chunkOff:], max), nil
}

func (b *SendBuffer) fill() error {
	b.filePos += int64(len(b.chunk))
	b.chunkOff = 0
	left := b.fileSize - b.filePos
	if left <= 0 {
		b.chunk = b.chunk[:0]
		return nil
	}
	if b.chunk == nil {
		b.chunk = make([]byte, FileChunkSize)
	}
	n := int(min(left, FileChunkSize))
	b.chunk = b.chunk[:n]
	read, err := b.file.ReadAt(b.chunk, b.filePos)
	if read < n {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		b.chunk = b.chunk[:read]
		return fmt.Errorf("read send file %s: %w", b.path, err)
	}
	return nil
}

func clip(p []byte, max int) []byte {
	if len(p) > max {
		return p[:max]
	}
	return p
}

// Seek advances the cursor by n transmitted bytes. It never moves past the
// data returned by the preceding Data call.
func (b *SendBuffer) Seek(n int) {
	if n <= 0 {
		return
	}
	if b.off < len(b.mem) {
		n = min(n, len(b.mem)-b.off)
		b.off += n
	} else {
		n = min(n, len(b.chunk)-b.chunkOff)
		b.chunkOff += n
	}
	b.sent += int64(n)
	if b.AtEnd() {
		b.complete()
	}
}

// AtEnd reports whether the in-memory region and the file are both exhausted.
func (b *SendBuffer) AtEnd() bool {
	if b.off < len(b.mem) {
		return false
	}
	if b.file == nil {
		return true
	}
	return b.filePos+int64(b.chunkOff) >= b.fileSize
}

// Prepend puts p ahead of the unsent remainder.
func (b *SendBuffer) Prepend(p []byte) {
	if len(p) == 0 {
		return
	}
	rest := b.mem[b.off:]
	mem := make([]byte, 0, len(p)+len(rest))
	mem = append(mem, p...)
	b.mem = append(mem, rest...)
	b.off = 0
	b.total += int64(len(p))
}

// Len returns the number of unsent bytes.
func (b *SendBuffer) Len() int64 {
	n := int64(len(b.mem) - b.off)
	if b.file != nil {
		n += b.fileSize - b.filePos - int64(b.chunkOff)
	}
	return n
}

// Sent returns the bytes transmitted so far.
func (b *SendBuffer) Sent() int64 { return b.sent }

// Total returns the bytes this buffer was created with, including prepends.
func (b *SendBuffer) Total() int64 { return b.total }

func (b *SendBuffer) complete() {
	if b.log != nil && !b.logged {
		b.logged = true
		b.log.Write(b.sent)
	}
}

// Release closes the backing file and removes it when auto-remove is set.
// An unfinished buffer is logged as failed. Safe to call more than once.
func (b *SendBuffer) Release() {
	if b.released {
		return
	}
	b.released = true
	if b.AtEnd() {
		b.complete()
	} else if b.log != nil && !b.logged {
		b.logged = true
		b.log.Fail()
	}
	if b.file != nil {
		b.file.Close()
		if b.autoRemove {
			os.Remove(b.path)
		}
		b.file = nil
		b.fileSize, b.filePos, b.chunkOff = 0, 0, 0
		b.chunk = nil
	}
	b.mem = nil
	b.off = 0
}
