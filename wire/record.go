// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package wire implements the fixed-size on-wire record format shared by
// the datagram and stream endpoints.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Size is the exact on-wire length of a Record: 2 (size) + 1 (type) + 8 (id) + 8 (data).
const Size = 19

// Forwarded is the MessageData value that marks a Record for forwarding
// onto the downstream stream endpoint.
const Forwarded = 10

// Record is the fixed application datum exchanged over both the datagram
// and stream endpoints. The dedup index treats records with the same ID as
// duplicates (Go's == still compares every field); ordering (where needed)
// is by Type.
type Record struct {
	MessageSize uint16
	MessageType uint8
	ID          uint64
	Data        uint64
}

// Less orders records by Type, per spec.
func (r Record) Less(other Record) bool {
	return r.MessageType < other.MessageType
}

// Encode serializes r into the fixed 19-byte wire layout: size:u16 | type:u8 |
// id:u64 | data:u64, all multi-byte fields big-endian.
func (r Record) Encode() [Size]byte {
	var buf [Size]byte
	binary.BigEndian.PutUint16(buf[0:2], r.MessageSize)
	buf[2] = r.MessageType
	binary.BigEndian.PutUint64(buf[3:11], r.ID)
	binary.BigEndian.PutUint64(buf[11:19], r.Data)
	return buf
}

// Decode is the exact inverse of Encode. buf must be exactly Size bytes.
func Decode(buf []byte) (Record, error) {
	if len(buf) != Size {
		return Record{}, errors.Errorf("wire: frame is %d bytes, want %d", len(buf), Size)
	}
	return Record{
		MessageSize: binary.BigEndian.Uint16(buf[0:2]),
		MessageType: buf[2],
		ID:          binary.BigEndian.Uint64(buf[3:11]),
		Data:        binary.BigEndian.Uint64(buf[11:19]),
	}, nil
}

// Send writes exactly Size bytes of r to w, retrying on short writes.
// It fails only when the underlying writer reports an unrecoverable error.
func Send(w io.Writer, r Record) error {
	buf := r.Encode()
	return writeFull(w, buf[:])
}

func writeFull(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return errors.Wrap(err, "wire: short write")
		}
		buf = buf[n:]
	}
	return nil
}

// Receive reads exactly Size bytes from r and decodes them. A short read —
// the peer closing before the full frame arrives — is a fatal per-connection
// error; partial-frame recovery is not supported.
func Receive(r io.Reader) (Record, error) {
	var buf [Size]byte
	if err := readFull(r, buf[:]); err != nil {
		return Record{}, err
	}
	return Decode(buf[:])
}

func readFull(r io.Reader, buf []byte) error {
	for len(buf) > 0 {
		n, err := r.Read(buf)
		if n > 0 {
			buf = buf[n:]
		}
		if err != nil {
			if len(buf) == 0 {
				return nil
			}
			if err == io.EOF {
				return errors.Wrap(io.ErrUnexpectedEOF, "wire: short frame")
			}
			return errors.Wrap(err, "wire: short read")
		}
	}
	return nil
}
