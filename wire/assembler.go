// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package wire

// An Assembler reassembles frames from a stream of byte chunks. Feed it
// data as it arrives, in any segmentation; it invokes its callback once
// per completed frame. The zero value is ready for use.
//
// An Assembler is not safe for concurrent use. Each connection owns one.
type Assembler struct {
	head [HeaderSize]byte // staged header bytes
	nh   int              // number of staged header bytes
	hdr  Header           // valid while body != nil
	body []byte           // accumulating body; nil until the header is complete
}

// Feed consumes data, calling emit once for each frame it completes. The
// body slice passed to emit is freshly allocated for that frame, and
// ownership passes to the callback.
func (a *Assembler) Feed(data []byte, emit func(handle uint32, body []byte)) {
	for {
		if a.body == nil {
			if len(data) == 0 {
				return
			}
			n := copy(a.head[a.nh:], data)
			a.nh += n
			data = data[n:]
			if a.nh < HeaderSize {
				return
			}
			a.hdr = ParseHeader(a.head[:])
			a.body = make([]byte, 0, a.hdr.Size)
		}
		need := int(a.hdr.Size) - len(a.body)
		if need > len(data) {
			a.body = append(a.body, data...)
			return
		}
		a.body = append(a.body, data[:need]...)
		data = data[need:]
		emit(a.hdr.Handle, a.body)
		a.nh, a.body = 0, nil
	}
}

// Reset discards any partially assembled frame.
func (a *Assembler) Reset() { a.nh, a.body = 0, nil }
