package sync

import (
	"context"
	"fmt"
	"log/slog"
)

// deleteItem removes a book from the cloud and only then forgets its mapping
// entry. A failed delete leaves the entry for the next run.
func (e *Executor) deleteItem(ctx context.Context, r Removal, stats *Stats) error {
	if err := e.cloud.Delete(ctx, r.DestinationID); err != nil {
		return itemError(fmt.Sprintf("delete %s", r.DestinationID), err)
	}

	delete(e.mapping, r.UUID)
	if err := e.commit(ctx); err != nil {
		return err
	}

	stats.Deleted++

	e.logger.Info("deleted book",
		slog.String("uuid", r.UUID),
		slog.String("deliverable_id", r.DestinationID),
	)

	return nil
}

// applyDrops forgets entries whose cloud copy is already gone, committing
// once for the batch.
func (e *Executor) applyDrops(ctx context.Context, dropped []Removal, stats *Stats) error {
	if len(dropped) == 0 {
		return nil
	}

	for _, r := range dropped {
		delete(e.mapping, r.UUID)

		e.logger.Info("dropping mapping for book missing from cloud",
			slog.String("uuid", r.UUID),
			slog.String("deliverable_id", r.DestinationID),
		)
	}

	if err := e.commit(ctx); err != nil {
		return err
	}

	stats.Dropped += len(dropped)

	return nil
}
