package comm

import "context"

// Gather collects one payload from every rank at root, indexed by rank.
// Non-root ranks get a nil result.
func Gather(ctx context.Context, c Communicator, root int, tag Tag, payload []byte) ([][]byte, error) {
	if c.Rank() != root {
		return nil, c.Send(ctx, root, tag, payload)
	}
	out := make([][]byte, c.Size())
	out[root] = payload
	for r := 0; r < c.Size(); r++ {
		if r == root {
			continue
		}
		buf, err := c.Recv(ctx, r, tag)
		if err != nil {
			return nil, err
		}
		out[r] = buf
	}
	return out, nil
}

// Bcast sends payload from root to every rank and returns it everywhere.
func Bcast(ctx context.Context, c Communicator, root int, tag Tag, payload []byte) ([]byte, error) {
	if c.Rank() != root {
		return c.Recv(ctx, root, tag)
	}
	for r := 0; r < c.Size(); r++ {
		if r == root {
			continue
		}
		if err := c.Send(ctx, r, tag, payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// Barrier returns once every rank has entered it. It uses two tags.
func Barrier(ctx context.Context, c Communicator, tag, release Tag) error {
	if _, err := Gather(ctx, c, 0, tag, nil); err != nil {
		return err
	}
	_, err := Bcast(ctx, c, 0, release, nil)
	return err
}
