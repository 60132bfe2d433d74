// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package wire implements the byte-level frame layout shared by both ends
// of a duplex IPC session.
//
// # Frames
//
// A frame is an 8-byte header followed by a body:
//
//	handle ... 4 bytes, uint32, host byte order
//	size   ... 4 bytes, uint32, host byte order
//	body   ... size bytes
//
// The handle field routes the body: zero marks a one-way message, a value
// with the high bit set is the response to the invocation whose id is in
// the low bits, and any other value is an invocation request with that id.
// There is no magic number and no checksum. Host byte order is safe here
// because both ends of a session share a host (Unix-domain sockets and
// loopback TCP only).
package wire

import (
	"encoding/binary"
	"fmt"
)

const (
	// HeaderSize is the encoded size of a frame header in bytes.
	HeaderSize = 8

	// ResponseFlag marks a frame handle as the response to an invocation.
	ResponseFlag uint32 = 1 << 31
)

// A Header describes one frame on the stream.
type Header struct {
	Handle uint32 // 0 for messages; otherwise an invocation id, possibly with ResponseFlag
	Size   uint32 // body length in bytes
}

// String returns a compact description of h for diagnostics.
func (h Header) String() string {
	switch {
	case h.Handle == 0:
		return fmt.Sprintf("message (%d bytes)", h.Size)
	case IsReply(h.Handle):
		return fmt.Sprintf("reply %d (%d bytes)", CallID(h.Handle), h.Size)
	default:
		return fmt.Sprintf("call %d (%d bytes)", h.Handle, h.Size)
	}
}

// Append appends the encoded header to buf and returns the result.
func (h Header) Append(buf []byte) []byte {
	buf = binary.NativeEndian.AppendUint32(buf, h.Handle)
	return binary.NativeEndian.AppendUint32(buf, h.Size)
}

// ParseHeader decodes a header from the first HeaderSize bytes of buf.
// It panics if buf is shorter than HeaderSize.
func ParseHeader(buf []byte) Header {
	return Header{
		Handle: binary.NativeEndian.Uint32(buf[0:4]),
		Size:   binary.NativeEndian.Uint32(buf[4:8]),
	}
}

// AppendFrame appends a complete frame carrying body to buf and returns
// the result.
func AppendFrame(buf []byte, handle uint32, body []byte) []byte {
	buf = Header{Handle: handle, Size: uint32(len(body))}.Append(buf)
	return append(buf, body...)
}

// IsReply reports whether handle marks a response frame.
func IsReply(handle uint32) bool { return handle&ResponseFlag != 0 }

// ReplyTo returns the frame handle for a response to invocation id.
func ReplyTo(id uint32) uint32 { return id | ResponseFlag }

// CallID returns the invocation id carried by handle.
func CallID(handle uint32) uint32 { return handle &^ ResponseFlag }
