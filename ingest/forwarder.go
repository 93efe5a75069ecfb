package ingest

import (
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/xtaci/messaging-relay/wire"
)

// TCPForwarder relays records over a single shared TCP connection, guarded
// by a mutex since multiple forwarding goroutines may call Forward
// concurrently (spec §4.6: each forward runs as its own lightweight task).
type TCPForwarder struct {
	mu   sync.Mutex
	conn net.Conn
}

// DialTCPForwarder connects to addr for use as a Forwarder.
func DialTCPForwarder(addr string) (*TCPForwarder, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial tcp forwarder %s", addr)
	}
	return &TCPForwarder{conn: conn}, nil
}

func (f *TCPForwarder) Forward(rec wire.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return wire.Send(f.conn, rec)
}

// Close closes the underlying connection.
func (f *TCPForwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn.Close()
}
