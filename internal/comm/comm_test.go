package comm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func runWorld(t *testing.T, comms []Communicator, fn func(ctx context.Context, c Communicator) error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range comms {
		g.Go(func() error { return fn(gctx, c) })
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("world: %v", err)
	}
}

func TestTag(t *testing.T) {
	tag := NewTag(1234, 7)
	if tag.Step() != 1234 || tag.Kind() != 7 {
		t.Fatalf("unexpected tag fields: %v", tag)
	}
}

func TestLocalGatherBcast(t *testing.T) {
	comms, err := NewLocalWorld(4)
	if err != nil {
		t.Fatalf("new world: %v", err)
	}
	runWorld(t, comms, func(ctx context.Context, c Communicator) error {
		got, err := Gather(ctx, c, 0, NewTag(1, 1), []byte{byte(c.Rank())})
		if err != nil {
			return err
		}
		if c.Rank() == 0 {
			for r, buf := range got {
				if len(buf) != 1 || int(buf[0]) != r {
					return fmt.Errorf("gather slot %d: %v", r, buf)
				}
			}
		} else if got != nil {
			return fmt.Errorf("rank %d: non-root gather result %v", c.Rank(), got)
		}

		var payload []byte
		if c.Rank() == 0 {
			payload = []byte("assignment")
		}
		out, err := Bcast(ctx, c, 0, NewTag(1, 2), payload)
		if err != nil {
			return err
		}
		if !bytes.Equal(out, []byte("assignment")) {
			return fmt.Errorf("rank %d: bcast payload %q", c.Rank(), out)
		}
		return Barrier(ctx, c, NewTag(1, 3), NewTag(1, 4))
	})
}

func TestLocalPointToPointOutOfOrder(t *testing.T) {
	comms, err := NewLocalWorld(2)
	if err != nil {
		t.Fatalf("new world: %v", err)
	}
	ctx := context.Background()
	if err := comms[0].Send(ctx, 1, NewTag(1, 1), []byte("first")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := comms[0].Send(ctx, 1, NewTag(1, 2), []byte("second")); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := comms[1].Recv(ctx, 0, NewTag(1, 2))
	if err != nil || string(got) != "second" {
		t.Fatalf("recv second: %q %v", got, err)
	}
	got, err = comms[1].Recv(ctx, 0, NewTag(1, 1))
	if err != nil || string(got) != "first" {
		t.Fatalf("recv first: %q %v", got, err)
	}
}

func TestLocalSendCopiesPayload(t *testing.T) {
	comms, _ := NewLocalWorld(2)
	ctx := context.Background()
	buf := []byte{1, 2, 3}
	if err := comms[0].Send(ctx, 1, NewTag(0, 0), buf); err != nil {
		t.Fatalf("send: %v", err)
	}
	buf[0] = 9
	got, err := comms[1].Recv(ctx, 0, NewTag(0, 0))
	if err != nil || got[0] != 1 {
		t.Fatalf("payload aliased sender buffer: %v %v", got, err)
	}
}

func TestLocalDuplicateTagIsTransportError(t *testing.T) {
	comms, _ := NewLocalWorld(2)
	ctx := context.Background()
	if err := comms[0].Send(ctx, 1, NewTag(2, 1), nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := comms[0].Send(ctx, 1, NewTag(2, 1), nil); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got: %v", err)
	}
}

func TestLocalRecvTimeout(t *testing.T) {
	comms, _ := NewLocalWorld(2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := comms[1].Recv(ctx, 0, NewTag(1, 1))
	if !errors.Is(err, ErrTransport) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected transport timeout, got: %v", err)
	}
}

func TestLocalClosedPeerFailsReceive(t *testing.T) {
	comms, _ := NewLocalWorld(2)
	ctx := context.Background()
	if err := comms[0].Send(ctx, 1, NewTag(1, 1), []byte("last")); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = comms[0].Close()

	got, err := comms[1].Recv(ctx, 0, NewTag(1, 1))
	if err != nil || string(got) != "last" {
		t.Fatalf("queued message should survive peer close: %q %v", got, err)
	}
	if _, err := comms[1].Recv(ctx, 0, NewTag(1, 2)); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport after peer close, got: %v", err)
	}
}

func freeAddrs(t *testing.T, n int) []string {
	t.Helper()
	addrs := make([]string, n)
	for i := range addrs {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		addrs[i] = ln.Addr().String()
		_ = ln.Close()
	}
	return addrs
}

func TestTCPWorldCollectives(t *testing.T) {
	addrs := freeAddrs(t, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	comms := make([]Communicator, len(addrs))
	g, gctx := errgroup.WithContext(ctx)
	for rank := range addrs {
		g.Go(func() error {
			c, err := DialTCP(gctx, rank, addrs, TCPOptions{DialRetry: 10 * time.Millisecond})
			if err != nil {
				return err
			}
			comms[rank] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("dial world: %v", err)
	}
	t.Cleanup(func() {
		for _, c := range comms {
			_ = c.Close()
		}
	})

	runWorld(t, comms, func(ctx context.Context, c Communicator) error {
		payload := bytes.Repeat([]byte{byte(c.Rank() + 1)}, 1<<16)
		got, err := Gather(ctx, c, 0, NewTag(5, 1), payload)
		if err != nil {
			return err
		}
		if c.Rank() == 0 {
			for r, buf := range got {
				if len(buf) != 1<<16 || buf[100] != byte(r+1) {
					return fmt.Errorf("gather slot %d corrupted", r)
				}
			}
		}
		out, err := Bcast(ctx, c, 0, NewTag(5, 2), []byte("go"))
		if err != nil {
			return err
		}
		if string(out) != "go" {
			return fmt.Errorf("rank %d: bcast payload %q", c.Rank(), out)
		}
		if err := c.Send(ctx, c.Rank(), NewTag(5, 3), []byte("self")); err != nil {
			return err
		}
		self, err := c.Recv(ctx, c.Rank(), NewTag(5, 3))
		if err != nil || string(self) != "self" {
			return fmt.Errorf("self message: %q %v", self, err)
		}
		return nil
	})
}

func TestTCPDialTimeout(t *testing.T) {
	addrs := freeAddrs(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := DialTCP(ctx, 0, addrs, TCPOptions{DialRetry: 10 * time.Millisecond}); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport when peers never start, got: %v", err)
	}
}

func TestTCPSilentConnectionDoesNotBlockPeers(t *testing.T) {
	addrs := freeAddrs(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	comms := make([]*TCPComm, len(addrs))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := DialTCP(gctx, 0, addrs, TCPOptions{DialRetry: 10 * time.Millisecond})
		comms[0] = c
		return err
	})

	var stray net.Conn
	for stray == nil {
		conn, err := net.Dial("tcp", addrs[0])
		if err == nil {
			stray = conn
			break
		}
		select {
		case <-ctx.Done():
			t.Fatalf("rank 0 never listened: %v", err)
		case <-time.After(5 * time.Millisecond):
		}
	}
	defer stray.Close()

	g.Go(func() error {
		c, err := DialTCP(gctx, 1, addrs, TCPOptions{DialRetry: 10 * time.Millisecond})
		comms[1] = c
		return err
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("world with a silent connection: %v", err)
	}
	for _, c := range comms {
		if err := c.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
}
