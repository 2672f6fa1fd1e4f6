//go:build linux

package ws

import (
	"io"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Poller wraps Linux epoll so the server does not need a goroutine per idle
// connection: descriptors are registered with the kernel and Wait reports
// only the connections that have something to read.
type Poller struct {
	fd          int               // epoll file descriptor
	connections map[int]net.Conn  // fd -> net.Conn
	mu          sync.RWMutex      // protects connections
	events      []unix.EpollEvent // reusable event buffer for Wait
}

// NewPoller creates a new epoll instance.
func NewPoller() (*Poller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Poller{
		fd:          fd,
		connections: make(map[int]net.Conn),
		events:      make([]unix.EpollEvent, 128),
	}, nil
}

// readEvents is the interest set of every connection. EPOLLONESHOT disarms
// a descriptor once Wait reports it, until Resume re-arms it.
const readEvents = unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP | unix.EPOLLONESHOT

// Add registers conn for read readiness and hang-up notifications. The
// reader argument is only used by the portable fallback.
func (p *Poller) Add(conn net.Conn, _ io.Reader) error {
	fd := socketFD(conn)
	if err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: readEvents,
		Fd:     int32(fd),
	}); err != nil {
		return err
	}

	p.mu.Lock()
	p.connections[fd] = conn
	p.mu.Unlock()
	return nil
}

// Remove unregisters conn.
func (p *Poller) Remove(conn net.Conn) error {
	fd := socketFD(conn)

	p.mu.Lock()
	delete(p.connections, fd)
	p.mu.Unlock()

	return unix.EpollCtl(p.fd, syscall.EPOLL_CTL_DEL, fd, nil)
}

// Resume re-arms conn after the worker that Wait handed it to is done with
// it. Until then Wait does not report conn again, however much is unread.
// Connections removed in the meantime are left alone.
func (p *Poller) Resume(conn net.Conn) {
	fd := socketFD(conn)
	if fd < 0 {
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.connections[fd] != conn {
		return
	}
	_ = unix.EpollCtl(p.fd, syscall.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: readEvents,
		Fd:     int32(fd),
	})
}

// Wait blocks until one or more registered connections are ready. Ready
// descriptors removed concurrently are skipped.
func (p *Poller) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(p.fd, p.events, -1)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		if conn, ok := p.connections[int(p.events[i].Fd)]; ok {
			conns = append(conns, conn)
		}
	}
	p.mu.RUnlock()
	return conns, nil
}

// Close closes the epoll descriptor.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connections = nil
	return unix.Close(p.fd)
}

// newFrameReader returns the reader frames are parsed from. With epoll the
// socket is read directly so readiness always reflects unread bytes.
func newFrameReader(conn net.Conn) io.Reader {
	return conn
}

// isEINTR reports whether err is an interrupted system call, which epoll_wait
// returns when a signal arrives and which should simply be retried.
func isEINTR(err error) bool {
	return err == unix.EINTR
}

// socketFD extracts the file descriptor from a net.Conn through
// SyscallConn, which unlike File() does not duplicate it.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
