/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package tcpnet is the reference POSIX TCP driver for reliable
// per-peer messaging. Go's net.TCPConn.Write is blocking, so SendAsync
// is simulated with a single writer goroutine per connection draining
// a small channel of pending frames; PollStatus reports completion by
// checking a per-token result map rather than a true non-blocking
// write, which is the only faithful way to expose "async send, polled
// completion" on top of a blocking socket API.
package tcpnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const inboxDepth = 64
const sendQueueDepth = 8

type pendingSend struct {
	token uint32
	frame []byte
}

// Conn wraps a single net.TCPConn with an async-send writer goroutine
// and a dedicated receiver goroutine, both standing in for interrupt
// context: neither touches the registry or the logger, and the
// receiver reads the clock only to set its socket read deadline.
type Conn struct {
	conn *net.TCPConn

	sendCh chan pendingSend
	mu     sync.Mutex
	status map[uint32]int // token -> status once complete: 0 ok, -1 write error
	done   map[uint32]bool

	inbox chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	writerWG  sync.WaitGroup
}

func newConn(tc *net.TCPConn) *Conn {
	c := &Conn{
		conn:   tc,
		sendCh: make(chan pendingSend, sendQueueDepth),
		status: map[uint32]int{},
		done:   map[uint32]bool{},
		inbox:  make(chan []byte, inboxDepth),
		closed: make(chan struct{}),
	}
	c.writerWG.Add(1)
	go c.writeLoop()
	go c.readLoop()
	return c
}

func (c *Conn) writeLoop() {
	defer c.writerWG.Done()
	for ps := range c.sendCh {
		_, err := c.conn.Write(ps.frame)
		status := 0
		if err != nil {
			status = -1
		}
		c.mu.Lock()
		c.status[ps.token] = status
		c.done[ps.token] = true
		c.mu.Unlock()
	}
}

func (c *Conn) readLoop() {
	buf := make([]byte, 65536)
	for {
		select {
		case <-c.closed:
			return
		default:
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := c.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case c.inbox <- chunk:
			default:
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return
		}
	}
}

// SendAsync enqueues frame for the writer goroutine and returns a
// token. The caller must not mutate frame until PollStatus reports done.
func (c *Conn) SendAsync(frame []byte) (uint32, error) {
	c.mu.Lock()
	token := uint32(len(c.status) + len(c.done) + 1)
	for c.done[token] || c.status[token] != 0 {
		token++
	}
	c.mu.Unlock()

	select {
	case c.sendCh <- pendingSend{token: token, frame: frame}:
		return token, nil
	default:
		return 0, fmt.Errorf("tcpnet: send queue full")
	}
}

// PollStatus reports whether token's send has completed and its status.
func (c *Conn) PollStatus(token uint32) (status int, done bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status[token], c.done[token]
}

// Recv returns the next buffered inbound chunk without blocking.
func (c *Conn) Recv() (data []byte, ok bool) {
	select {
	case d := <-c.inbox:
		return d, true
	default:
		return nil, false
	}
}

// RemoteAddr returns the connection's remote address.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// CloseAsync starts a graceful shutdown: stop accepting new sends,
// wait (up to timeout) for in-flight writes to drain, then close.
func (c *Conn) CloseAsync(timeout time.Duration) {
	go func() {
		close(c.sendCh)
		waitCh := make(chan struct{})
		go func() {
			c.writerWG.Wait()
			close(waitCh)
		}()
		select {
		case <-waitCh:
		case <-time.After(timeout):
		}
		c.closeOnce.Do(func() {
			close(c.closed)
			_ = c.conn.Close()
		})
	}()
}

// Closed reports whether the connection has finished closing.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Abort closes the connection immediately, without waiting for
// in-flight sends to drain, for use on an unrecoverable I/O error.
func (c *Conn) Abort() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// Listener accepts inbound TCP connections on one address.
type Listener struct {
	ln *net.TCPListener
}

// Listen binds addr with SO_REUSEADDR set, matching the reference
// server's listen-before-serve pattern.
func Listen(addr string) (*Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("tcpnet: resolve %q: %w", addr, err)
	}
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
		},
	}
	pl, err := lc.Listen(context.Background(), "tcp4", tcpAddr.String())
	if err != nil {
		return nil, fmt.Errorf("tcpnet: listen %q: %w", addr, err)
	}
	return &Listener{ln: pl.(*net.TCPListener)}, nil
}

// Accept returns a newly accepted connection, if one is ready, without
// blocking (a 1ms deadline stands in for non-blocking accept).
func (l *Listener) Accept() (*Conn, bool) {
	_ = l.ln.SetDeadline(time.Now().Add(time.Millisecond))
	tc, err := l.ln.AcceptTCP()
	if err != nil {
		return nil, false
	}
	return newConn(tc), true
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Dial initiates an outbound TCP connection.
func Dial(addr string) (*Conn, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("tcpnet: resolve %q: %w", addr, err)
	}
	tc, err := net.DialTCP("tcp4", nil, tcpAddr)
	if err != nil {
		return nil, err
	}
	return newConn(tc), nil
}
