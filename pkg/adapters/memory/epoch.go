package memory

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/aretw0/blockq/pkg/domain"
	"github.com/aretw0/blockq/pkg/ports"
)

var (
	_ ports.EpochSource    = (*EpochSource)(nil)
	_ ports.EpochPublisher = (*EpochSource)(nil)
)

// EpochSource holds the current environment epoch in memory.
type EpochSource struct {
	current atomic.Int64
	now     func() time.Time
}

// NewEpochSource creates a source starting at the given epoch.
func NewEpochSource(start domain.Epoch) *EpochSource {
	s := &EpochSource{now: time.Now}
	s.current.Store(int64(start))
	return s
}

// CurrentEpoch returns the epoch last published.
func (s *EpochSource) CurrentEpoch() domain.Epoch {
	return domain.Epoch(s.current.Load())
}

// Publish replaces the current epoch.
func (s *EpochSource) Publish(ctx context.Context, epoch domain.Epoch) error {
	s.current.Store(int64(epoch))
	return nil
}

// Restart simulates an environment restart and returns the new epoch.
// The new epoch is strictly greater than the previous one.
func (s *EpochSource) Restart() domain.Epoch {
	for {
		prev := s.current.Load()
		next := int64(domain.EpochOf(s.now()))
		if next <= prev {
			next = prev + 1
		}
		if s.current.CompareAndSwap(prev, next) {
			return domain.Epoch(next)
		}
	}
}
