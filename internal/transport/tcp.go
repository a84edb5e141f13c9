package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/symmetry-network/hub/bufferpool"
	"github.com/symmetry-network/hub/internal/log"
)

var logger = log.NewScoped("transport")

// handshakeTimeout bounds how long Serve waits for a freshly accepted
// connection to identify itself before giving up on it. The real overlay
// authenticates the peer as part of establishing the stream itself; this
// stand-in has to do it as an explicit first frame instead.
const handshakeTimeout = 5 * time.Second

// headerPool recycles the 4-byte length-prefix buffers every frame read and
// write allocates, since they are the one fixed-size allocation in an
// otherwise variable-length framing protocol.
var headerPool = bufferpool.New(256)

// maxFrameSize bounds a single length-prefixed message; larger reads are
// treated as a fatal transport error rather than an unbounded allocation.
const maxFrameSize = 16 << 20

// tcpListener is a minimal length-prefixed framing adapter standing in for
// the overlay's encrypted point-to-point stream: 4-byte big-endian length
// followed by that many bytes, with a single identity frame exchanged up
// front so RemoteKey is populated before the dispatcher sees anything.
// Discovery, NAT traversal and the overlay's own cryptographic handshake
// are the external collaborator the specification leaves unspecified; this
// only has to satisfy the Listener/Conn contract the dispatcher runs
// against.
type tcpListener struct {
	ln net.Listener
}

// NewTCPListener binds addr and returns a Listener.
func NewTCPListener(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &tcpListener{ln: ln}, nil
}

func (l *tcpListener) Serve(ctx context.Context, handler ConnHandler) error {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("transport: accept: %w", err)
		}
		go l.identify(conn, handler)
	}
}

// identify reads the connecting peer's identity frame, sent by Dial as the
// very first message on the wire, before handing the connection to
// handler. A connection that never identifies itself is dropped: the
// dispatcher has nothing to key a session on without it.
func (l *tcpListener) identify(conn net.Conn, handler ConnHandler) {
	c := newTCPConn(conn)

	hsCtx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	key, err := c.Read(hsCtx)
	if err != nil {
		logger.Debug("identity handshake failed", log.Fields{
			"remote": conn.RemoteAddr().String(),
			"error":  err.Error(),
		})
		_ = c.Close()
		return
	}
	c.SetRemoteKey(string(key))
	handler(c)
}

func (l *tcpListener) Close() error { return l.ln.Close() }

// Dial connects to a tcpListener's address and sends peerKey as the
// connection's identity frame before returning it, so the listener side's
// RemoteKey is populated before any application frame arrives. It exists
// for tests and for tooling that needs to speak the stand-in framing
// directly; the overlay's own dial path (NAT traversal, encrypted
// handshake) is out of scope.
func Dial(ctx context.Context, addr, peerKey string) (Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	c := newTCPConn(conn)
	if err := c.Write(ctx, []byte(peerKey)); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("transport: identity handshake: %w", err)
	}
	return c, nil
}

type tcpConn struct {
	conn net.Conn
	r    *bufio.Reader

	mu        sync.Mutex
	remoteKey string
}

func newTCPConn(conn net.Conn) *tcpConn {
	return &tcpConn{conn: conn, r: bufio.NewReader(conn)}
}

// RemoteKey returns the peer's identity, populated by the listener's
// handshake before the connection is ever handed to a ConnHandler.
func (c *tcpConn) RemoteKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteKey
}

// SetRemoteKey records the peer's identity established during the
// handshake in identify.
func (c *tcpConn) SetRemoteKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteKey = key
}

func (c *tcpConn) Read(ctx context.Context) ([]byte, error) {
	type result struct {
		buf []byte
		err error
	}
	done := make(chan result, 1)

	go func() {
		hdr := headerPool.Take()
		hdr.Grow(4)
		if _, err := io.CopyN(hdr, c.r, 4); err != nil {
			done <- result{nil, err}
			return
		}
		length := binary.BigEndian.Uint32(hdr.Bytes())
		headerPool.Give(hdr)
		if length > maxFrameSize {
			done <- result{nil, fmt.Errorf("transport: frame of %d bytes exceeds limit", length)}
			return
		}

		out := make([]byte, length)
		if _, err := io.ReadFull(c.r, out); err != nil {
			done <- result{nil, err}
			return
		}
		done <- result{out, nil}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.buf, r.err
	}
}

func (c *tcpConn) Write(ctx context.Context, msg []byte) error {
	type result struct{ err error }
	done := make(chan result, 1)

	go func() {
		hdr := headerPool.Take()
		hdr.Grow(4)
		_ = binary.Write(hdr, binary.BigEndian, uint32(len(msg)))
		if _, err := c.conn.Write(hdr.Bytes()); err != nil {
			headerPool.Give(hdr)
			done <- result{err}
			return
		}
		headerPool.Give(hdr)
		_, err := c.conn.Write(msg)
		done <- result{err}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-done:
		return r.err
	}
}

func (c *tcpConn) Close() error {
	logger.Debug("closing connection", log.Fields{"remote": c.conn.RemoteAddr().String()})
	return c.conn.Close()
}
