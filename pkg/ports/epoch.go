package ports

import (
	"context"

	"github.com/aretw0/blockq/pkg/domain"
)

// EpochSource reports the execution environment incarnation currently recognized.
// It must be cheap and non-blocking: the queue calls it on every dispatch.
type EpochSource interface {
	CurrentEpoch() domain.Epoch
}

// EpochPublisher announces a new environment incarnation, e.g. after a restart.
type EpochPublisher interface {
	Publish(ctx context.Context, epoch domain.Epoch) error
}

// EpochFunc adapts a function to the EpochSource interface.
type EpochFunc func() domain.Epoch

// CurrentEpoch calls f.
func (f EpochFunc) CurrentEpoch() domain.Epoch {
	return f()
}
