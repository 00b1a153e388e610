package ensemble

import (
	"errors"
	"testing"
)

func TestPartition(t *testing.T) {
	r, err := Partition(40, 4, 2)
	if err != nil {
		t.Fatalf("partition: %v", err)
	}
	if r.Start != 20 || r.End != 30 {
		t.Fatalf("unexpected range: %+v", r)
	}
	if Owner(40, 4, 29) != 2 || Owner(40, 4, 30) != 3 {
		t.Fatal("unexpected owner mapping")
	}
}

func TestPartitionIndivisible(t *testing.T) {
	if _, err := Partition(10, 3, 0); !errors.Is(err, ErrIndivisible) {
		t.Fatalf("expected ErrIndivisible, got: %v", err)
	}
}

func TestSplitCoversRangeDisjointly(t *testing.T) {
	cases := []struct {
		r     Range
		parts int
	}{
		{Range{0, 10}, 3},
		{Range{20, 30}, 4},
		{Range{5, 7}, 8},
		{Range{0, 40}, 1},
	}
	for _, tc := range cases {
		chunks := Split(tc.r, tc.parts)
		next := tc.r.Start
		for _, c := range chunks {
			if c.Start != next || c.Len() <= 0 {
				t.Fatalf("split %+v into %d: bad chunk %+v", tc.r, tc.parts, c)
			}
			next = c.End
		}
		if next != tc.r.End {
			t.Fatalf("split %+v into %d does not cover range: %+v", tc.r, tc.parts, chunks)
		}
	}
}

func TestShardCommitKeepsPrevious(t *testing.T) {
	s, err := NewShard(2, 8, Range{4, 8})
	if err != nil {
		t.Fatalf("new shard: %v", err)
	}
	copy(s.State(5), []float64{1, 2})
	copy(s.Pending(5), []float64{3, 4})
	s.Commit()
	if got := s.State(5); got[0] != 3 || got[1] != 4 {
		t.Fatalf("unexpected live state after commit: %v", got)
	}
	prev := s.Previous()
	if prev[2] != 1 || prev[3] != 2 {
		t.Fatalf("unexpected previous buffer: %v", prev)
	}
}

func TestShardLoadValidatesLength(t *testing.T) {
	s, err := NewShard(3, 6, Range{0, 2})
	if err != nil {
		t.Fatalf("new shard: %v", err)
	}
	if err := s.Load(make([]float64, 5)); err == nil {
		t.Fatal("expected length mismatch error")
	}
	if err := s.Load([]float64{1, 2, 3, 4, 5, 6}); err != nil {
		t.Fatalf("load: %v", err)
	}
	snap := s.Snapshot()
	snap[0] = 99
	if s.State(0)[0] != 1 {
		t.Fatal("snapshot must not alias live states")
	}
}
