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

// Package ingest implements the datagram receiver: a UDP socket polled on a
// short deadline so the receive loop stays responsive to shutdown, feeding
// every decoded record into the shared dedup index and, for records
// carrying the forwarding marker, relaying them onward over a TCP link.
package ingest

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xtaci/messaging-relay/dedup"
	"github.com/xtaci/messaging-relay/lifecycle"
	"github.com/xtaci/messaging-relay/metrics"
	"github.com/xtaci/messaging-relay/sinklog"
	"github.com/xtaci/messaging-relay/wire"
)

// pollInterval is how long each read blocks before the loop re-checks the
// stop flag, mirroring the 500-microsecond select() timeout in the
// original udp processor.
const pollInterval = 500 * time.Microsecond

// debugLogRate bounds how often a single receiver emits a per-record debug
// line; at line rate this log is useless noise, so it is throttled rather
// than silenced outright (verbose mode still wants an occasional sample).
const debugLogRate = 20 // per second

// Forwarder relays a record carrying the forwarding marker onward, whether
// or not the index admitted it as new. Implemented by a TCP connection to
// the stream side in production, and by a stub in tests.
type Forwarder interface {
	Forward(rec wire.Record) error
}

// Receiver owns one UDP socket and drains it into a shared index.
type Receiver struct {
	conn      *net.UDPConn
	index     dedup.Accessor
	forwarder Forwarder
	sink      *sinklog.Sink
	metrics   *metrics.Collectors
	log       *zap.SugaredLogger
	lc        *lifecycle.Controller
	logLimit  *rate.Limiter
}

// Options configures a Receiver. Sink and Forwarder may be nil: a nil Sink
// disables logging of forwarded records, a nil Forwarder disables
// forwarding entirely (the receiver still dedups and stores every record).
type Options struct {
	Index     dedup.Accessor
	Forwarder Forwarder
	Sink      *sinklog.Sink
	Metrics   *metrics.Collectors
	Log       *zap.SugaredLogger
	Lifecycle *lifecycle.Controller
}

// NewReceiver binds addr and returns a Receiver ready to Run.
func NewReceiver(addr string, opts Options) (*Receiver, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve udp address %s", addr)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen udp %s", addr)
	}

	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return &Receiver{
		conn:      conn,
		index:     opts.Index,
		forwarder: opts.Forwarder,
		sink:      opts.Sink,
		metrics:   opts.Metrics,
		log:       log,
		lc:        opts.Lifecycle,
		logLimit:  rate.NewLimiter(rate.Limit(debugLogRate), debugLogRate),
	}, nil
}

// LocalAddr reports the bound address, useful when addr was ":0" in tests.
func (r *Receiver) LocalAddr() net.Addr { return r.conn.LocalAddr() }

// Run drains datagrams until the lifecycle controller signals stop or the
// socket is closed. It never returns a non-nil error on an orderly stop.
func (r *Receiver) Run() error {
	buf := make([]byte, wire.Size)

	for r.lc == nil || !r.lc.Stopping() {
		if err := r.conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			return errors.Wrap(err, "set read deadline")
		}

		n, peer, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if r.lc != nil && r.lc.Stopping() {
				return nil
			}
			r.log.Warnw("udp read failed", "error", err)
			continue
		}

		rec, err := wire.Decode(buf[:n])
		if err != nil {
			r.log.Warnw("dropped malformed datagram", "peer", peer, "error", err)
			continue
		}

		if r.logLimit.Allow() {
			r.log.Debugw("received record", "peer", peer, "id", rec.ID, "type", rec.MessageType, "data", rec.Data)
		}

		if r.index.Insert(rec) {
			if r.metrics != nil {
				r.metrics.Inserts.Inc()
			}
		} else if r.metrics != nil {
			r.metrics.Duplicates.Inc()
		}

		if rec.Data == wire.Forwarded {
			r.handleForward(rec)
		}
	}
	return nil
}

// handleForward logs and relays a record carrying the forwarding marker.
// Forwarding runs on its own goroutine, as in the original udp processor's
// detached send thread, but never blocks the receive loop either way since
// the forwarder is expected to be non-blocking or buffered itself.
func (r *Receiver) handleForward(rec wire.Record) {
	if r.sink != nil {
		if err := r.sink.WriteRecord(rec); err != nil {
			r.log.Errorw("failed to write forwarded record to sink", "id", rec.ID, "error", err)
		}
	}

	if r.forwarder == nil {
		return
	}
	go func() {
		if err := r.forwarder.Forward(rec); err != nil {
			if r.metrics != nil {
				r.metrics.ForwardErrors.Inc()
			}
			r.log.Errorw("forward failed", "id", rec.ID, "error", err)
			return
		}
		if r.metrics != nil {
			r.metrics.Forwards.Inc()
		}
	}()
}

// Close releases the underlying socket.
func (r *Receiver) Close() error {
	return r.conn.Close()
}
