package realtime

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

var (
	errMissingRemoteCall = errors.New("realtime: remote call is required")
	errMissingRollback   = errors.New("realtime: rollback callback is required")
)

// ItemMutation pairs an already-applied optimistic cache patch with the
// remote call that makes it durable. The caller applies the optimistic
// snapshot before handing the mutation to the coordinator, so UI latency is
// zero; Original is the pre-patch snapshot used for rollback.
type ItemMutation struct {
	ItemID   string
	Original ScheduleItemView
	Remote   func(context.Context) error
	Rollback func(ScheduleItemView)
}

// Coordinator settles optimistic mutations. On remote success it does
// nothing: the row-change echo from the channel reconciles server-computed
// fields. On failure it rolls the cache back and surfaces the error for
// toast display.
//
// Concurrent mutations on the same item are not serialized here; the UI
// layer debounces by disabling the control while a toggle is in flight.
type Coordinator struct {
	logger *zap.Logger
}

// NewCoordinator constructs a coordinator.
func NewCoordinator(logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = noOpLogger
	}
	return &Coordinator{logger: logger}
}

// Run awaits the remote call and rolls back on failure.
func (c *Coordinator) Run(ctx context.Context, mutation ItemMutation) error {
	if mutation.Remote == nil {
		return errMissingRemoteCall
	}
	if mutation.Rollback == nil {
		return errMissingRollback
	}

	if err := mutation.Remote(ctx); err != nil {
		c.logger.Warn("optimistic mutation rejected; rolling back",
			zap.String("item_id", mutation.ItemID),
			zap.Error(err))
		mutation.Rollback(mutation.Original)
		return err
	}
	return nil
}
