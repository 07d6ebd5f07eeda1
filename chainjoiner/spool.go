// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package chainjoiner // import "go.opentelemetry.io/perf-ingest/chainjoiner"

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	// pid, tid, type, ip count
	recordHeaderSize = 16
	// trailing total size
	recordTrailerSize = 4
	frameSize         = 16

	minRecordSize = recordHeaderSize + recordTrailerSize
	maxRecordSize = 1 << 30
)

// ErrCorruptChain is returned when a spooled chain cannot be read back.
var ErrCorruptChain = errors.New("corrupt chain record")

// spool is an unlinked temporary file holding chain records. Records are
// little endian:
//
//	u32 pid, u32 tid, u32 type, u32 n, u64 ip[n], u64 sp[n], u32 total size
//
// The trailing size allows reading the file backwards.
type spool struct {
	f    *os.File
	w    *bufio.Writer
	size int64
	buf  []byte

	// read position
	pos int64
	r   *bufio.Reader
}

func newSpool(dir string) (*spool, error) {
	f, err := os.CreateTemp(dir, "chains-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create chain spool: %w", err)
	}
	// The data only lives as long as the open file.
	if err := os.Remove(f.Name()); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to unlink chain spool: %w", err)
	}
	return &spool{f: f, w: bufio.NewWriter(f)}, nil
}

func recordSize(frames int) int {
	return minRecordSize + frames*frameSize
}

func (s *spool) write(c *Chain) error {
	n := len(c.IPs)
	size := recordSize(n)
	buf := s.buf[:0]
	buf = binary.LittleEndian.AppendUint32(buf, c.Pid)
	buf = binary.LittleEndian.AppendUint32(buf, c.Tid)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(c.Type))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(n))
	for _, ip := range c.IPs {
		buf = binary.LittleEndian.AppendUint64(buf, ip)
	}
	for _, sp := range c.SPs {
		buf = binary.LittleEndian.AppendUint64(buf, sp)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(size))
	s.buf = buf
	if _, err := s.w.Write(buf); err != nil {
		return fmt.Errorf("failed to write chain spool: %w", err)
	}
	s.size += int64(size)
	return nil
}

// finishWrite flushes buffered records and prepares reading.
func (s *spool) finishWrite() error {
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush chain spool: %w", err)
	}
	s.rewindBackward()
	return nil
}

// rewindBackward positions the backward reader at the end of the file.
func (s *spool) rewindBackward() {
	s.pos = s.size
}

// readBackward returns the record before the read position, io.EOF at the
// start of the file.
func (s *spool) readBackward() (Chain, error) {
	if s.pos == 0 {
		return Chain{}, io.EOF
	}
	if s.pos < minRecordSize {
		return Chain{}, fmt.Errorf("%w: %d bytes left at start of spool", ErrCorruptChain, s.pos)
	}
	var trailer [recordTrailerSize]byte
	if _, err := s.f.ReadAt(trailer[:], s.pos-recordTrailerSize); err != nil {
		return Chain{}, fmt.Errorf("%w: %w", ErrCorruptChain, err)
	}
	size := int64(binary.LittleEndian.Uint32(trailer[:]))
	if size < minRecordSize || size > s.pos || (size-minRecordSize)%frameSize != 0 {
		return Chain{}, fmt.Errorf("%w: invalid record size %d at offset %d",
			ErrCorruptChain, size, s.pos)
	}
	buf := s.grow(int(size))
	if _, err := s.f.ReadAt(buf, s.pos-size); err != nil {
		return Chain{}, fmt.Errorf("%w: %w", ErrCorruptChain, err)
	}
	c, err := decodeChain(buf)
	if err != nil {
		return Chain{}, err
	}
	s.pos -= size
	return c, nil
}

// rewindForward positions the forward reader at the start of the file.
func (s *spool) rewindForward() {
	s.pos = 0
	s.r = bufio.NewReader(io.NewSectionReader(s.f, 0, s.size))
}

// readForward returns the record at the read position, io.EOF at the end of
// the file.
func (s *spool) readForward() (Chain, error) {
	if s.pos == s.size {
		return Chain{}, io.EOF
	}
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(s.r, header[:]); err != nil {
		return Chain{}, fmt.Errorf("%w: %w", ErrCorruptChain, err)
	}
	n := int64(binary.LittleEndian.Uint32(header[12:]))
	size := minRecordSize + n*frameSize
	if size > maxRecordSize || s.pos+size > s.size {
		return Chain{}, fmt.Errorf("%w: %d frames at offset %d", ErrCorruptChain, n, s.pos)
	}
	buf := s.grow(int(size))
	copy(buf, header[:])
	if _, err := io.ReadFull(s.r, buf[recordHeaderSize:]); err != nil {
		return Chain{}, fmt.Errorf("%w: %w", ErrCorruptChain, err)
	}
	c, err := decodeChain(buf)
	if err != nil {
		return Chain{}, err
	}
	s.pos += size
	return c, nil
}

func (s *spool) grow(n int) []byte {
	if cap(s.buf) < n {
		s.buf = make([]byte, n)
	}
	return s.buf[:n]
}

// decodeChain decodes a complete record.
func decodeChain(buf []byte) (Chain, error) {
	n := int(binary.LittleEndian.Uint32(buf[12:]))
	if n == 0 {
		return Chain{}, fmt.Errorf("%w: record without frames", ErrCorruptChain)
	}
	if recordSize(n) != len(buf) {
		return Chain{}, fmt.Errorf("%w: %d frames in record of %d bytes",
			ErrCorruptChain, n, len(buf))
	}
	if total := binary.LittleEndian.Uint32(buf[len(buf)-recordTrailerSize:]); int(total) != len(buf) {
		return Chain{}, fmt.Errorf("%w: trailing size %d does not match record size %d",
			ErrCorruptChain, total, len(buf))
	}
	c := Chain{
		Pid:  binary.LittleEndian.Uint32(buf[0:]),
		Tid:  binary.LittleEndian.Uint32(buf[4:]),
		Type: ChainType(binary.LittleEndian.Uint32(buf[8:])),
		IPs:  make([]uint64, n),
		SPs:  make([]uint64, n),
	}
	off := recordHeaderSize
	for i := range c.IPs {
		c.IPs[i] = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}
	for i := range c.SPs {
		c.SPs[i] = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}
	return c, nil
}

func (s *spool) close() error {
	return s.f.Close()
}
