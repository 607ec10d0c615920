package theschwartz

import (
	"context"
	"time"
)

// RunSweeper runs SweepExitStatuses on a ticker until ctx is canceled
// (spec.md §4.7), grounded on the teacher's performLeaderDuties ticker
// loop (time.NewTicker(retryInterval) / select { case <-ticker.C: ... }).
// Unlike the teacher, this runs on every process rather than only a
// leader: a DELETE WHERE delete_after < now is idempotent, so there's
// no coordination hazard in letting every client instance run it.
func (c *Client) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.SweepExitStatuses(ctx)
			if err != nil {
				c.logger.Warnf("theschwartz: exit status sweep failed: %v", err)
				continue
			}
			if n > 0 {
				c.logger.Debugf("theschwartz: swept %d expired exit status rows", n)
			}
		}
	}
}
