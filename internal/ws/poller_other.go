//go:build !linux

package ws

import (
	"bufio"
	"io"
	"net"
	"sync"
)

// Poller is the portable stand-in for epoll. Each connection gets a watcher
// goroutine that peeks a byte through the connection's buffered reader, so
// nothing is consumed before the frame parser runs. After reporting a
// connection the watcher waits for Resume before peeking again.
type Poller struct {
	mu      sync.Mutex
	watches map[net.Conn]*watch
	readyCh chan net.Conn
	done    chan struct{}
}

type watch struct {
	br     *bufio.Reader
	resume chan struct{}
	stop   chan struct{}
}

// NewPoller creates a fallback poller.
func NewPoller() (*Poller, error) {
	return &Poller{
		watches: make(map[net.Conn]*watch),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts watching conn. r must be the reader returned by newFrameReader
// for the same connection.
func (p *Poller) Add(conn net.Conn, r io.Reader) error {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(conn)
	}
	w := &watch{
		br:     br,
		resume: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}

	p.mu.Lock()
	p.watches[conn] = w
	p.mu.Unlock()

	go p.monitor(conn, w)
	return nil
}

func (p *Poller) monitor(conn net.Conn, w *watch) {
	for {
		// A peek error also counts as readiness: the read path then sees
		// the failure and removes the connection.
		_, err := w.br.Peek(1)

		select {
		case p.readyCh <- conn:
		case <-w.stop:
			return
		case <-p.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-w.resume:
		case <-w.stop:
			return
		case <-p.done:
			return
		}
	}
}

// Remove stops watching conn.
func (p *Poller) Remove(conn net.Conn) error {
	p.mu.Lock()
	w, ok := p.watches[conn]
	delete(p.watches, conn)
	p.mu.Unlock()

	if ok {
		close(w.stop)
	}
	return nil
}

// Resume lets the watcher for conn look for the next frame.
func (p *Poller) Resume(conn net.Conn) {
	p.mu.Lock()
	w, ok := p.watches[conn]
	p.mu.Unlock()

	if !ok {
		return
	}
	select {
	case w.resume <- struct{}{}:
	default:
	}
}

// Wait blocks until at least one connection is ready and returns all
// connections that are ready right now.
func (p *Poller) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-p.readyCh:
	case <-p.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-p.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops every watcher.
func (p *Poller) Close() error {
	close(p.done)
	p.mu.Lock()
	p.watches = make(map[net.Conn]*watch)
	p.mu.Unlock()
	return nil
}

// newFrameReader wraps conn in the buffered reader the watcher peeks
// through, so peeked bytes reach the frame parser.
func newFrameReader(conn net.Conn) io.Reader {
	return bufio.NewReader(conn)
}

func isEINTR(error) bool {
	return false
}

// socketFD is unused without epoll.
func socketFD(net.Conn) int {
	return -1
}
