//go:build linux

package relay

import (
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/pkg/errors"
)

// epollPoller is the edge-triggered readiness-set variant of the worker
// loop's read wait, mirroring the original tcp processor's epoll_wait over
// EPOLLIN|EPOLLET. It is not wired into Server's default accept/drain path:
// the worker loop uses a plain blocking Read through the Go runtime's own
// netpoller, which already multiplexes file descriptors under the hood.
// Kept as a tested, independently usable alternative for a caller that
// wants explicit control over the readiness set.
type epollPoller struct {
	fd int

	mu   sync.Mutex
	conn map[int32]net.Conn
}

func newEpollPoller() (*epollPoller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	return &epollPoller{fd: fd, conn: make(map[int32]net.Conn)}, nil
}

// add registers conn's underlying file descriptor for edge-triggered
// readability, via the raw conn escape hatch net.TCPConn exposes.
func (p *epollPoller) add(raw int32, conn net.Conn) error {
	event := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: raw}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, int(raw), &event); err != nil {
		return errors.Wrap(err, "epoll_ctl add")
	}
	p.mu.Lock()
	p.conn[raw] = conn
	p.mu.Unlock()
	return nil
}

func (p *epollPoller) remove(raw int32) {
	_ = unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, int(raw), nil)
	p.mu.Lock()
	delete(p.conn, raw)
	p.mu.Unlock()
}

// wait blocks (bounded by timeoutMs) for readiness events and returns the
// connections that became readable.
func (p *epollPoller) wait(timeoutMs int) ([]net.Conn, error) {
	events := make([]unix.EpollEvent, 16)
	n, err := unix.EpollWait(p.fd, events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, errors.Wrap(err, "epoll_wait")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ready := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := p.conn[events[i].Fd]; ok {
			ready = append(ready, c)
		}
	}
	return ready, nil
}

func (p *epollPoller) close() error {
	return unix.Close(p.fd)
}
