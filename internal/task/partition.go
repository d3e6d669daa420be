package task

import (
	"fmt"
	"slices"
)

// Owner returns the worker id that owns seq: (seq mod total) + 1.
func Owner(seq int64, total int) int {
	if total <= 0 {
		return 0
	}
	return int(seq%int64(total)) + 1
}

// Partition is the slice of the task space one node may claim.
type Partition struct {
	total int
	owned []int
}

// NewPartition keeps the ids of owned that can ever match Owner for total
// (1..total). It fails if none remain.
func NewPartition(owned []int, total int) (Partition, error) {
	if total < 1 {
		return Partition{}, fmt.Errorf("%w: total workers must be >= 1, got %d", ErrInvalidPartition, total)
	}
	ids := make([]int, 0, len(owned))
	for _, id := range owned {
		if id < 1 || id > total || slices.Contains(ids, id) {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return Partition{}, fmt.Errorf("%w: none of worker ids %v is within 1..%d", ErrInvalidPartition, owned, total)
	}
	slices.Sort(ids)
	return Partition{total: total, owned: ids}, nil
}

// MustPartition is NewPartition for static inputs; it panics on error.
func MustPartition(owned []int, total int) Partition {
	p, err := NewPartition(owned, total)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Partition) Total() int { return p.total }

// Owned returns the effective owned ids in ascending order.
func (p Partition) Owned() []int { return slices.Clone(p.owned) }

// Owns reports whether a task with sequence number seq belongs to this node.
func (p Partition) Owns(seq int64) bool {
	return slices.Contains(p.owned, Owner(seq, p.total))
}

// All reports whether the partition covers every owner.
func (p Partition) All() bool { return len(p.owned) == p.total }

func (p Partition) String() string { return fmt.Sprintf("%v/%d", p.owned, p.total) }
