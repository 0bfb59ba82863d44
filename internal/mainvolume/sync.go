package mainvolume

import (
	"context"
)

// volumeSyncChanged mutes media when volumes leave the in-sync state and
// unmutes it once they return, after the unmute delay.
func (c *Controller) volumeSyncChanged(key string) {
	state, err := c.shared.GetInteger(key)
	if err != nil {
		return
	}

	var q queue
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	switch {
	case c.syncState != SyncInSync && state == SyncInSync:
		if c.delay > 0 {
			c.startUnmuteTimer()
		} else {
			c.unmute(&q)
		}
	case c.syncState == SyncInSync && state != SyncInSync:
		c.logger.Debugw("volumes out of sync")
		c.stopUnmuteTimer()
		if !c.muting {
			c.setMediaMute(&q, true)
		}
		c.muting = true
	}
	c.syncState = state
	c.mu.Unlock()
	q.run()
}

func (c *Controller) startUnmuteTimer() {
	c.logger.Debugw("unmuting media streams after delay", "delay", c.delay)
	c.stopUnmuteTimer()
	c.unmuteGen++
	gen := c.unmuteGen
	c.unmuteTimer = c.afterFunc(c.delay, func() { c.unmuteFired(gen) })
}

func (c *Controller) stopUnmuteTimer() {
	if c.unmuteTimer != nil {
		c.unmuteTimer.Stop()
		c.unmuteTimer = nil
	}
}

func (c *Controller) unmuteFired(gen uint64) {
	var q queue
	c.mu.Lock()
	if c.closed || gen != c.unmuteGen || c.unmuteTimer == nil {
		c.mu.Unlock()
		return
	}
	c.unmuteTimer = nil
	c.unmute(&q)
	c.mu.Unlock()
	q.run()
}

func (c *Controller) unmute(q *queue) {
	c.logger.Debugw("volumes in sync")
	c.setMediaMute(q, false)
	c.muting = false
}

func (c *Controller) setMediaMute(q *queue, muted bool) {
	m := c.muter
	logger := c.logger
	q.add(func() {
		if err := m.SetMediaMute(context.Background(), muted); err != nil {
			logger.Warnw("failed to update media mute", "muted", muted, "error", err)
		}
	})
}
