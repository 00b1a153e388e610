package comm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	tcpMagic       uint32 = 0x534d4346 // "SMCF"
	frameHeaderLen        = 12
	maxFrameLen           = 1 << 31
)

var handshakeTimeout = 5 * time.Second

type TCPOptions struct {
	// DialRetry is the pause between connection attempts while peers start.
	DialRetry time.Duration
}

// TCPComm is one rank of a world whose ranks are separate processes. Every
// rank listens on its own address and dials every peer once; the dialed
// connection carries this rank's outgoing frames and the accepted one the
// peer's.
type TCPComm struct {
	rank  int
	addrs []string
	box   *mailbox

	listener net.Listener

	mu       sync.Mutex
	out      map[int]*tcpPeer
	incoming map[int]net.Conn
	greeting map[net.Conn]struct{}
	ready    chan struct{}
	closed   bool
	wg       sync.WaitGroup
}

type tcpPeer struct {
	mu   sync.Mutex
	conn net.Conn
}

// DialTCP joins the world described by addrs as rank. It returns once a
// connection to and from every peer is established or ctx ends.
func DialTCP(ctx context.Context, rank int, addrs []string, opts TCPOptions) (*TCPComm, error) {
	if rank < 0 || rank >= len(addrs) {
		return nil, fmt.Errorf("rank %d outside world of %d addresses", rank, len(addrs))
	}
	if opts.DialRetry <= 0 {
		opts.DialRetry = 50 * time.Millisecond
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addrs[rank])
	if err != nil {
		return nil, fmt.Errorf("%w: listen on %s: %w", ErrTransport, addrs[rank], err)
	}

	c := &TCPComm{
		rank:     rank,
		addrs:    addrs,
		box:      newMailbox(),
		listener: ln,
		out:      make(map[int]*tcpPeer),
		incoming: make(map[int]net.Conn),
		greeting: make(map[net.Conn]struct{}),
		ready:    make(chan struct{}),
	}
	if len(addrs) == 1 {
		close(c.ready)
	}

	c.wg.Add(1)
	go c.acceptLoop()

	for dst := range addrs {
		if dst == rank {
			continue
		}
		conn, err := c.dial(ctx, addrs[dst], opts.DialRetry)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		c.mu.Lock()
		c.out[dst] = &tcpPeer{conn: conn}
		c.mu.Unlock()
	}

	select {
	case <-c.ready:
		return c, nil
	case <-ctx.Done():
		_ = c.Close()
		return nil, fmt.Errorf("%w: waiting for peers: %w", ErrTransport, ctx.Err())
	}
}

func (c *TCPComm) dial(ctx context.Context, addr string, retry time.Duration) (net.Conn, error) {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			hello := make([]byte, 8)
			binary.LittleEndian.PutUint32(hello[0:4], tcpMagic)
			binary.LittleEndian.PutUint32(hello[4:8], uint32(c.rank))
			if _, err := conn.Write(hello); err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("%w: handshake with %s: %w", ErrTransport, addr, err)
			}
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: dial %s: %w", ErrTransport, addr, err)
		case <-time.After(retry):
		}
	}
}

func (c *TCPComm) acceptLoop() {
	defer c.wg.Done()
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			return
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.greeting[conn] = struct{}{}
		c.wg.Add(1)
		c.mu.Unlock()
		go c.handshake(conn)
	}
}

// handshake reads the hello of an accepted connection. A connection that
// stays silent past handshakeTimeout is dropped without holding up others.
func (c *TCPComm) handshake(conn net.Conn) {
	defer c.wg.Done()
	src, ok := c.readHello(conn)

	c.mu.Lock()
	delete(c.greeting, conn)
	if _, dup := c.incoming[src]; !ok || dup || c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.incoming[src] = conn
	if len(c.incoming) == len(c.addrs)-1 {
		close(c.ready)
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go c.readLoop(src, conn)
}

func (c *TCPComm) readHello(conn net.Conn) (int, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	hello := make([]byte, 8)
	if _, err := io.ReadFull(conn, hello); err != nil || binary.LittleEndian.Uint32(hello[0:4]) != tcpMagic {
		return 0, false
	}
	_ = conn.SetReadDeadline(time.Time{})
	src := int(binary.LittleEndian.Uint32(hello[4:8]))
	if src < 0 || src >= len(c.addrs) || src == c.rank {
		return 0, false
	}
	return src, true
}

func (c *TCPComm) readLoop(src int, conn net.Conn) {
	defer c.wg.Done()
	header := make([]byte, frameHeaderLen)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			c.box.fail(src, peerError(err))
			return
		}
		tag := Tag(binary.LittleEndian.Uint64(header[0:8]))
		n := binary.LittleEndian.Uint32(header[8:12])
		payload := make([]byte, n)
		if _, err := io.ReadFull(conn, payload); err != nil {
			c.box.fail(src, peerError(err))
			return
		}
		if err := c.box.deliver(src, tag, payload); err != nil {
			c.box.fail(src, err)
			return
		}
	}
}

func peerError(err error) error {
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("peer disconnected: %w", err)
	}
	return err
}

func (c *TCPComm) Rank() int { return c.rank }
func (c *TCPComm) Size() int { return len(c.addrs) }

func (c *TCPComm) Send(ctx context.Context, dst int, tag Tag, payload []byte) error {
	if dst == c.rank {
		buf := make([]byte, len(payload))
		copy(buf, payload)
		if err := c.box.deliver(c.rank, tag, buf); err != nil {
			return fmt.Errorf("%w: send to self tag %v: %w", ErrTransport, tag, err)
		}
		return nil
	}
	if len(payload) >= maxFrameLen {
		return fmt.Errorf("%w: payload of %d bytes exceeds frame limit", ErrTransport, len(payload))
	}

	c.mu.Lock()
	peer, ok := c.out[dst]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no connection to rank %d", ErrTransport, dst)
	}

	frame := make([]byte, frameHeaderLen+len(payload))
	binary.LittleEndian.PutUint64(frame[0:8], uint64(tag))
	binary.LittleEndian.PutUint32(frame[8:12], uint32(len(payload)))
	copy(frame[frameHeaderLen:], payload)

	peer.mu.Lock()
	defer peer.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = peer.conn.SetWriteDeadline(deadline)
		defer peer.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := peer.conn.Write(frame); err != nil {
		return fmt.Errorf("%w: send to rank %d tag %v: %w", ErrTransport, dst, tag, err)
	}
	return nil
}

func (c *TCPComm) Recv(ctx context.Context, src int, tag Tag) ([]byte, error) {
	if src < 0 || src >= len(c.addrs) {
		return nil, fmt.Errorf("%w: recv from rank %d outside world of %d", ErrTransport, src, len(c.addrs))
	}
	return c.box.receive(ctx, src, tag)
}

func (c *TCPComm) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var errs []error
	for _, peer := range c.out {
		errs = append(errs, peer.conn.Close())
	}
	for _, conn := range c.incoming {
		errs = append(errs, conn.Close())
	}
	for conn := range c.greeting {
		_ = conn.Close()
	}
	c.mu.Unlock()

	errs = append(errs, c.listener.Close())
	c.wg.Wait()
	c.box.close()

	var joined []error
	for _, err := range errs {
		if err != nil && !errors.Is(err, net.ErrClosed) {
			joined = append(joined, err)
		}
	}
	return errors.Join(joined...)
}
