// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package perfrecord knows just enough about the binary layout of perf_event
// records to move them around without a full structured parse.
package perfrecord // import "go.opentelemetry.io/perf-ingest/perfrecord"

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// HeaderSize is the size of struct perf_event_header.
const HeaderSize = 8

// Record types handled specially by the ingestion path.
const (
	RecordLost   uint32 = unix.PERF_RECORD_LOST
	RecordComm   uint32 = unix.PERF_RECORD_COMM
	RecordSample uint32 = unix.PERF_RECORD_SAMPLE
)

// Header mirrors struct perf_event_header.
type Header struct {
	Type uint32
	Misc uint16
	Size uint16
}

// ReadHeader decodes the header at the start of b. b must hold at least
// HeaderSize bytes.
func ReadHeader(b []byte) Header {
	_ = b[HeaderSize-1]
	return Header{
		Type: binary.NativeEndian.Uint32(b[0:4]),
		Misc: binary.NativeEndian.Uint16(b[4:6]),
		Size: binary.NativeEndian.Uint16(b[6:8]),
	}
}

// Put encodes h into the first HeaderSize bytes of b.
func (h Header) Put(b []byte) {
	_ = b[HeaderSize-1]
	binary.NativeEndian.PutUint32(b[0:4], h.Type)
	binary.NativeEndian.PutUint16(b[4:6], h.Misc)
	binary.NativeEndian.PutUint16(b[6:8], h.Size)
}

// IsSample reports whether h introduces a PERF_RECORD_SAMPLE.
func (h Header) IsSample() bool {
	return h.Type == RecordSample
}

// SizeOf returns the size field of the header at the start of b without
// decoding the other fields.
func SizeOf(b []byte) uint16 {
	return binary.NativeEndian.Uint16(b[6:8])
}

// Uint64At reads a native endian uint64 at pos of a record.
func Uint64At(rec []byte, pos uint64) uint64 {
	return binary.NativeEndian.Uint64(rec[pos : pos+8])
}

// PutUint64At writes v as native endian uint64 at pos of a record.
func PutUint64At(rec []byte, pos, v uint64) {
	binary.NativeEndian.PutUint64(rec[pos:pos+8], v)
}

// Align rounds n up to a multiple of a, which must be a power of two.
func Align(n, a uint64) uint64 {
	return (n + a - 1) &^ (a - 1)
}
