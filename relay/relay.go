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

// Package relay implements the stream server: a nonblocking accept loop
// that hands connection handles off through a bounded queue to a fixed
// worker pool, which drains framed records and logs the ones carrying the
// forwarding marker. Unlike the datagram side, the stream server does not
// deduplicate — it is purely the sink the udp side forwards onto, per the
// original tcp processor.
package relay

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xtaci/messaging-relay/metrics"
	"github.com/xtaci/messaging-relay/queue"
	"github.com/xtaci/messaging-relay/sinklog"
	"github.com/xtaci/messaging-relay/wire"
)

// DefaultWorkers matches the fixed pool size in the original tcp processor
// design (spec §6).
const DefaultWorkers = 12

// acceptPollInterval bounds how long Accept blocks before the loop
// re-checks ctx, keeping shutdown responsive without needing SetDeadline
// support from every net.Listener implementation used in tests.
const acceptPollInterval = 200 * time.Millisecond

// Server accepts stream connections and drains them through a worker pool.
type Server struct {
	ln       net.Listener
	queue    *queue.HandleQueue
	handles  map[int]net.Conn
	handleMu sync.Mutex
	nextID   int

	workers int
	sink    *sinklog.Sink
	metrics *metrics.Collectors
	log     *zap.SugaredLogger
}

// Options configures a Server.
type Options struct {
	Workers  int
	Capacity int
	Sink     *sinklog.Sink
	Metrics  *metrics.Collectors
	Log      *zap.SugaredLogger
}

// NewServer listens on addr and returns a Server ready to Run.
func NewServer(addr string, opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen tcp %s", addr)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return &Server{
		ln:      ln,
		queue:   queue.New(opts.Capacity),
		handles: make(map[int]net.Conn),
		workers: workers,
		sink:    opts.Sink,
		metrics: opts.Metrics,
		log:     log,
	}, nil
}

// Addr reports the bound address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Run accepts connections and runs the worker pool until ctx is cancelled
// or the listener is closed. Each worker pops a handle from the shared
// handle queue and serves that connection until the peer disconnects or a
// frame fails, then takes the next; a client that keeps its connection
// open occupies its worker for that whole time.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.acceptLoop(ctx) })
	for i := 0; i < s.workers; i++ {
		g.Go(func() error { return s.workerLoop(ctx) })
	}

	err := g.Wait()
	s.drain()
	return err
}

func (s *Server) acceptLoop(ctx context.Context) error {
	type tcpDeadline interface{ SetDeadline(time.Time) error }

	for {
		select {
		case <-ctx.Done():
			return s.ln.Close()
		default:
		}

		if dl, ok := s.ln.(tcpDeadline); ok {
			_ = dl.SetDeadline(time.Now().Add(acceptPollInterval))
		}

		conn, err := s.ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			s.log.Warnw("accept failed", "error", err)
			continue
		}

		s.log.Debugw("client connected", "remote", conn.RemoteAddr())

		s.handleMu.Lock()
		id := s.nextID
		s.nextID++
		s.handles[id] = conn
		s.handleMu.Unlock()

		if !s.queue.Push(id) {
			s.log.Warnw("handle queue full, dropping connection", "remote", conn.RemoteAddr())
			s.removeHandle(id)
			conn.Close()
			continue
		}
		if s.metrics != nil {
			s.metrics.QueueDepth.Set(float64(s.queue.Len()))
		}
	}
}

func (s *Server) workerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		id, ok := s.queue.Pop()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		if s.metrics != nil {
			s.metrics.QueueDepth.Set(float64(s.queue.Len()))
			s.metrics.WorkerBusy.Inc()
		}
		s.drainConnection(id)
		if s.metrics != nil {
			s.metrics.WorkerBusy.Dec()
		}
	}
}

func (s *Server) drainConnection(id int) {
	conn := s.removeHandle(id)
	if conn == nil {
		return
	}
	defer conn.Close()

	for {
		rec, err := wire.Receive(conn)
		if err != nil {
			return // EOF or short frame: client disconnected (spec §4.7)
		}

		s.log.Debugw("received tcp record", "remote", conn.RemoteAddr(), "id", rec.ID, "data", rec.Data)

		if rec.Data == wire.Forwarded && s.sink != nil {
			if err := s.sink.WriteRecord(rec); err != nil {
				s.log.Errorw("failed to write sink record", "id", rec.ID, "error", err)
			}
		}
	}
}

func (s *Server) removeHandle(id int) net.Conn {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	conn := s.handles[id]
	delete(s.handles, id)
	return conn
}

func (s *Server) drain() {
	s.queue.Clear(func(id int) {
		if conn := s.removeHandle(id); conn != nil {
			conn.Close()
		}
	})
	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	for id, conn := range s.handles {
		conn.Close()
		delete(s.handles, id)
	}
}
