// Package allocator picks unused numeric VM ids.
package allocator

import (
	"context"

	"go.uber.org/zap"
)

// NextID returns the smallest id >= floor that is not in taken.
func NextID(floor int, taken []int) int {
	used := make(map[int]struct{}, len(taken))
	for _, id := range taken {
		if id >= floor {
			used[id] = struct{}{}
		}
	}
	id := floor
	for {
		if _, ok := used[id]; !ok {
			return id
		}
		id++
	}
}

// IDLister reports every id in use across the cluster.
type IDLister interface {
	ListIDs(ctx context.Context) ([]int, error)
}

// Allocator allocates ids against the live cluster state.
type Allocator struct {
	lister IDLister
	floor  int
	logger *zap.Logger
}

func New(lister IDLister, floor int, logger *zap.Logger) *Allocator {
	return &Allocator{lister: lister, floor: floor, logger: logger}
}

// Floor returns the lowest id the allocator hands out.
func (a *Allocator) Floor() int {
	return a.floor
}

// Next queries the cluster and returns the lowest free id at or above the
// floor. If the query fails it falls back to the floor itself; the
// create-time name check is what prevents duplicates in that case.
func (a *Allocator) Next(ctx context.Context) int {
	taken, err := a.lister.ListIDs(ctx)
	if err != nil {
		a.logger.Warn("failed to list cluster ids, falling back to the id floor",
			zap.Int("floor", a.floor), zap.Error(err))
		return a.floor
	}
	return NextID(a.floor, taken)
}
