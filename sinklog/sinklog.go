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

// Package sinklog writes the fixed-format append-only text logs mandated
// by spec §6: one line per logged record, written under the Sink's own
// mutex so concurrent writers to one Sink never interleave partial lines.
package sinklog

import (
	"fmt"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/xtaci/messaging-relay/wire"
)

// Sink is a single append-only text log file.
type Sink struct {
	mu   sync.Mutex
	file *os.File
}

// Open creates or appends to path.
func Open(path string) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open sink %s", path)
	}
	return &Sink{file: f}, nil
}

// WriteRecord appends one line in the mandated format:
//
//	Size: <u16> Type: <u8> ID: <u64> Data: <u64>\n
func (s *Sink) WriteRecord(rec wire.Record) error {
	line := fmt.Sprintf("Size: %d Type: %d ID: %d Data: %d\n", rec.MessageSize, rec.MessageType, rec.ID, rec.Data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.WriteString(line); err != nil {
		return errors.Wrap(err, "write sink record")
	}
	return nil
}

// WriteEvent appends a free-form line, used by messages_system.log for
// lifecycle/audit events rather than wire records.
func (s *Sink) WriteEvent(event string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.WriteString(event + "\n"); err != nil {
		return errors.Wrap(err, "write sink event")
	}
	return nil
}

// Close flushes and closes the underlying file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
