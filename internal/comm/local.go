package comm

import (
	"context"
	"fmt"
)

// localWorld connects ranks living in one process through their mailboxes.
type localWorld struct {
	boxes []*mailbox
}

type localComm struct {
	rank  int
	world *localWorld
}

// NewLocalWorld returns one communicator per rank of an in-process world.
func NewLocalWorld(size int) ([]Communicator, error) {
	if size <= 0 {
		return nil, fmt.Errorf("world size must be > 0, got %d", size)
	}
	world := &localWorld{boxes: make([]*mailbox, size)}
	for i := range world.boxes {
		world.boxes[i] = newMailbox()
	}
	comms := make([]Communicator, size)
	for i := range comms {
		comms[i] = &localComm{rank: i, world: world}
	}
	return comms, nil
}

func (c *localComm) Rank() int { return c.rank }
func (c *localComm) Size() int { return len(c.world.boxes) }

func (c *localComm) Send(ctx context.Context, dst int, tag Tag, payload []byte) error {
	if dst < 0 || dst >= len(c.world.boxes) {
		return fmt.Errorf("%w: send to rank %d outside world of %d", ErrTransport, dst, len(c.world.boxes))
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: send to rank %d tag %v: %w", ErrTransport, dst, tag, err)
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	if err := c.world.boxes[dst].deliver(c.rank, tag, buf); err != nil {
		return fmt.Errorf("%w: send to rank %d tag %v: %w", ErrTransport, dst, tag, err)
	}
	return nil
}

func (c *localComm) Recv(ctx context.Context, src int, tag Tag) ([]byte, error) {
	if src < 0 || src >= len(c.world.boxes) {
		return nil, fmt.Errorf("%w: recv from rank %d outside world of %d", ErrTransport, src, len(c.world.boxes))
	}
	return c.world.boxes[c.rank].receive(ctx, src, tag)
}

// Close tells every peer that this rank is gone.
func (c *localComm) Close() error {
	for i, box := range c.world.boxes {
		if i == c.rank {
			continue
		}
		box.fail(c.rank, ErrClosed)
	}
	c.world.boxes[c.rank].close()
	return nil
}
