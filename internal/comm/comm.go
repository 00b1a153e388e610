// Package comm is the message passing layer between ranks.
//
// Ranks exchange byte payloads addressed by (source, tag). Every call blocks
// until it completes or its context ends; any failure is fatal for the run
// and wraps ErrTransport. Collectives are built from point-to-point calls.
package comm

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrTransport = errors.New("transport failure")
	ErrClosed    = errors.New("communicator closed")
)

// Tag identifies a message within a run. Each (source, destination, tag)
// triple carries at most one message.
type Tag uint64

func NewTag(step int, kind uint8) Tag {
	return Tag(uint64(step)<<8 | uint64(kind))
}

func (t Tag) Step() int   { return int(t >> 8) }
func (t Tag) Kind() uint8 { return uint8(t) }

func (t Tag) String() string {
	return fmt.Sprintf("%d/%d", t.Step(), t.Kind())
}

type Communicator interface {
	Rank() int
	Size() int
	Send(ctx context.Context, dst int, tag Tag, payload []byte) error
	Recv(ctx context.Context, src int, tag Tag) ([]byte, error)
	Close() error
}

type mailboxKey struct {
	src int
	tag Tag
}

// mailbox queues incoming payloads of one rank until they are received.
type mailbox struct {
	mu     sync.Mutex
	queues map[mailboxKey]chan []byte
	peers  map[int]*peerState
	done   chan struct{}
}

type peerState struct {
	failed chan struct{}
	err    error
}

func newMailbox() *mailbox {
	return &mailbox{
		queues: make(map[mailboxKey]chan []byte),
		peers:  make(map[int]*peerState),
		done:   make(chan struct{}),
	}
}

func (m *mailbox) queue(k mailboxKey) chan []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[k]
	if !ok {
		q = make(chan []byte, 1)
		m.queues[k] = q
	}
	return q
}

func (m *mailbox) peer(src int) *peerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[src]
	if !ok {
		p = &peerState{failed: make(chan struct{})}
		m.peers[src] = p
	}
	return p
}

func (m *mailbox) deliver(src int, tag Tag, payload []byte) error {
	q := m.queue(mailboxKey{src, tag})
	select {
	case q <- payload:
		return nil
	case <-m.done:
		return ErrClosed
	default:
		return fmt.Errorf("duplicate message from rank %d with tag %v", src, tag)
	}
}

// fail records that no more messages will arrive from src.
func (m *mailbox) fail(src int, err error) {
	p := m.peer(src)
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-p.failed:
	default:
		p.err = err
		close(p.failed)
	}
}

func (m *mailbox) receive(ctx context.Context, src int, tag Tag) ([]byte, error) {
	k := mailboxKey{src, tag}
	q := m.queue(k)
	p := m.peer(src)
	select {
	case payload := <-q:
		m.drop(k, q)
		return payload, nil
	case <-m.done:
		return nil, fmt.Errorf("%w: recv from rank %d tag %v: %w", ErrTransport, src, tag, ErrClosed)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: recv from rank %d tag %v: %w", ErrTransport, src, tag, ctx.Err())
	case <-p.failed:
		select {
		case payload := <-q:
			m.drop(k, q)
			return payload, nil
		default:
		}
		m.mu.Lock()
		err := p.err
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: recv from rank %d tag %v: %w", ErrTransport, src, tag, err)
	}
}

func (m *mailbox) drop(k mailboxKey, q chan []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(q) == 0 && m.queues[k] == q {
		delete(m.queues, k)
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.done:
	default:
		close(m.done)
	}
}
