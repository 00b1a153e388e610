package filter

import (
	"context"
	"fmt"
	"sort"

	"smcflow/internal/comm"
	"smcflow/internal/ensemble"
	"smcflow/internal/resample"
	"smcflow/internal/wire"
)

// Redistribute fills the shard's output slots with the ancestor states named
// by assignment and commits them. Each rank sends a peer every distinct
// source state the peer needs exactly once, in ascending index order, and
// skips the message when there is nothing to send. Live states are only read
// and the write buffer only written, so no source is overwritten before use.
// It returns the number of states sent to and received from other ranks.
func Redistribute(ctx context.Context, c comm.Communicator, shard *ensemble.Shard, assignment []int, tag comm.Tag) (sent, received int, err error) {
	total := shard.Total()
	if err := resample.Validate(assignment, total); err != nil {
		return 0, 0, err
	}
	ranks := c.Size()
	own := shard.Owned()
	dim := shard.Dim()

	for dst := 0; dst < ranks; dst++ {
		if dst == c.Rank() {
			continue
		}
		part, err := ensemble.Partition(total, ranks, dst)
		if err != nil {
			return sent, received, err
		}
		sources := neededFrom(assignment, part, own)
		if len(sources) == 0 {
			continue
		}
		w := wire.NewWriter(8 * dim * len(sources))
		for _, src := range sources {
			w.RawFloat64s(shard.State(src))
		}
		if err := c.Send(ctx, dst, tag, w.Bytes()); err != nil {
			return sent, received, err
		}
		sent += len(sources)
	}

	senders := make([]bool, ranks)
	for k := own.Start; k < own.End; k++ {
		if src := assignment[k]; !own.Contains(src) {
			senders[ensemble.Owner(total, ranks, src)] = true
		}
	}

	remote := make(map[int][]float64)
	for src := 0; src < ranks; src++ {
		if src == c.Rank() || !senders[src] {
			continue
		}
		part, err := ensemble.Partition(total, ranks, src)
		if err != nil {
			return sent, received, err
		}
		sources := neededFrom(assignment, own, part)
		if len(sources) == 0 {
			continue
		}
		buf, err := c.Recv(ctx, src, tag)
		if err != nil {
			return sent, received, err
		}
		if len(buf) != 8*dim*len(sources) {
			return sent, received, fmt.Errorf("%w: rank %d sent %d bytes for %d states", comm.ErrTransport, src, len(buf), len(sources))
		}
		r := wire.NewReader(buf)
		for _, idx := range sources {
			state := make([]float64, dim)
			r.RawFloat64s(state)
			remote[idx] = state
		}
		if err := r.Err(); err != nil {
			return sent, received, fmt.Errorf("%w: decode states from rank %d: %w", comm.ErrTransport, src, err)
		}
		received += len(sources)
	}

	for k := own.Start; k < own.End; k++ {
		src := assignment[k]
		if own.Contains(src) {
			copy(shard.Pending(k), shard.State(src))
			continue
		}
		copy(shard.Pending(k), remote[src])
	}
	shard.Commit()
	return sent, received, nil
}

// neededFrom lists, in ascending order without repeats, the sources held in
// holder that the output slots in dst require.
func neededFrom(assignment []int, dst, holder ensemble.Range) []int {
	seen := make(map[int]struct{})
	var out []int
	for k := dst.Start; k < dst.End; k++ {
		src := assignment[k]
		if !holder.Contains(src) {
			continue
		}
		if _, ok := seen[src]; ok {
			continue
		}
		seen[src] = struct{}{}
		out = append(out, src)
	}
	sort.Ints(out)
	return out
}
