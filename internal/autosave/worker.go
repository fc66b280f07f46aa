package autosave

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

// Saver persists whatever project is currently open.
type Saver interface {
	// Autosave reports false with a nil error when there is nothing to save.
	Autosave(ctx context.Context) (bool, error)
}

// Start runs a periodic autosave until ctx is done. A non-positive interval
// disables it.
func Start(ctx context.Context, logger *log.Logger, interval time.Duration, saver Saver) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			saved, err := saver.Autosave(ctx)
			if err != nil {
				logger.Warn("autosave failed", "error", err)
				continue
			}
			if saved {
				logger.Debug("autosaved project state")
			}
		}
	}
}
