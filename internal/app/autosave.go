package app

import (
	"context"
	"time"

	"github.com/merkledb/merkledb/internal/events"
)

// autosave saves the schema every interval when a table committed since the
// last save. The final save happens on shutdown, not here.
func (a *App) autosave(ctx context.Context, sub *events.Subscriber, interval time.Duration) {
	defer a.loops.Done()
	defer a.schema.Events().Unsubscribe(sub)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	dirty := false
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-sub.C:
			if e.Kind != events.Saved {
				dirty = true
			}
		case <-ticker.C:
			if !dirty {
				continue
			}
			if err := a.saveNow(ctx); err != nil {
				a.logger.WithError(err).Warn("autosave failed, retrying next interval")
				continue
			}
			dirty = false
		}
	}
}

func (a *App) saveNow(ctx context.Context) error {
	root, err := a.schema.Save(ctx)
	if err != nil {
		return err
	}
	return a.recordRoot(ctx, root)
}
