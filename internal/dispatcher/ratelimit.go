package dispatcher

import "sync/atomic"

// rateCounter is the per-peer message count for the current 60-second
// window. The expirable LRU evicts the whole entry once the window ends,
// so a peer's next message after a quiet period starts a fresh window
// rather than inheriting a stale count.
type rateCounter struct {
	count int64
}

// allow reports whether a message from key should be processed, capping
// each peer at perPeerRateLimit messages per perPeerRateWindow. Excess
// messages are meant to be dropped silently by the caller.
func (d *Dispatcher) allow(key string) bool {
	c, ok := d.rateLimiter.Get(key)
	if !ok {
		c = &rateCounter{}
		d.rateLimiter.Add(key, c)
	}
	return atomic.AddInt64(&c.count, 1) <= perPeerRateLimit
}
