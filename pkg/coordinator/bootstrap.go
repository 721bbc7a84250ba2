package coordinator

import (
	"context"

	"github.com/Shavakan/app-lease/pkg/logging"
)

// runUnconditional starts the partition manager without lease coordination,
// retrying on any error until it comes up or the context is cancelled. Once
// started, the manager runs until Stop.
func (c *Coordinator) runUnconditional(ctx context.Context) {
	for {
		err := c.partitions.Start(ctx)
		if err == nil {
			log.Info("partition manager started without coordination",
				logging.KeyApp, c.cfg.AppName)
			return
		}

		log.Error("failed to start partition manager, retrying",
			logging.KeyError, err,
			logging.KeyDuration, loopBackoff)
		if !sleepCtx(ctx, loopBackoff) {
			log.Info("partition manager startup cancelled")
			return
		}
	}
}
