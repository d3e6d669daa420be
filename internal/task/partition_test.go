package task

import (
	"errors"
	"testing"
)

func TestOwner(t *testing.T) {
	t.Parallel()

	cases := []struct {
		seq   int64
		total int
		want  int
	}{
		{seq: 1, total: 1, want: 1},
		{seq: 7, total: 1, want: 1},
		{seq: 1, total: 3, want: 2},
		{seq: 2, total: 3, want: 3},
		{seq: 3, total: 3, want: 1},
		{seq: 10, total: 4, want: 3},
	}
	for _, tc := range cases {
		if got := Owner(tc.seq, tc.total); got != tc.want {
			t.Fatalf("Owner(%d, %d) = %d, want %d", tc.seq, tc.total, got, tc.want)
		}
	}
}

func TestPartitionDefaultOwnsEverything(t *testing.T) {
	t.Parallel()

	// The default configuration: ids [0,1] of a single-worker deployment.
	p, err := NewPartition([]int{0, 1}, 1)
	if err != nil {
		t.Fatalf("NewPartition err = %v", err)
	}
	if got := p.Owned(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("Owned() = %v, want [1]", got)
	}
	for seq := int64(1); seq <= 20; seq++ {
		if !p.Owns(seq) {
			t.Fatalf("Owns(%d) = false", seq)
		}
	}
	if !p.All() {
		t.Fatalf("All() = false")
	}
}

func TestPartitionDisjointCover(t *testing.T) {
	t.Parallel()

	a := MustPartition([]int{1, 2}, 4)
	b := MustPartition([]int{3, 4}, 4)
	for seq := int64(1); seq <= 100; seq++ {
		if a.Owns(seq) == b.Owns(seq) {
			t.Fatalf("seq %d: a=%v b=%v, want exactly one owner", seq, a.Owns(seq), b.Owns(seq))
		}
	}
}

func TestNewPartitionRejects(t *testing.T) {
	t.Parallel()

	if _, err := NewPartition([]int{1}, 0); !errors.Is(err, ErrInvalidPartition) {
		t.Fatalf("total=0 err = %v, want ErrInvalidPartition", err)
	}
	if _, err := NewPartition([]int{0, 5}, 4); !errors.Is(err, ErrInvalidPartition) {
		t.Fatalf("no id in range err = %v, want ErrInvalidPartition", err)
	}
}
