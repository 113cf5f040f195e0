package ws

import (
	"sync"
	"time"

	"greenova.io/internal/protocol"
)

// resultCache remembers SUBMIT results per (identity, id) so a client that retries a
// submit, on the same or a new session, gets the original RESULT instead of a second
// execution.
type resultCache struct {
	mu        sync.Mutex
	seen      map[string]*cachedResult
	ttl       time.Duration
	lastPrune int64
}

type cachedResult struct {
	expires int64
	done    chan struct{}
	res     protocol.ResultMsg
	// abandoned is set when the owner gave up the key; waiters claim it afresh.
	abandoned bool
}

const resultCacheCap = 65536

func newResultCache(ttl time.Duration) *resultCache {
	if ttl <= 0 {
		return nil
	}
	return &resultCache{seen: map[string]*cachedResult{}, ttl: ttl}
}

// claim returns the cached result for key, waiting if another session is still
// executing it. When it returns ok=false the caller owns key and must call finish.
func (c *resultCache) claim(key string, now time.Time) (protocol.ResultMsg, bool) {
	if c == nil {
		return protocol.ResultMsg{}, false
	}
	nowMS := now.UnixMilli()

	c.mu.Lock()
	for {
		if c.shouldPruneLocked(nowMS) {
			c.pruneLocked(nowMS)
		}
		e, ok := c.seen[key]
		if !ok || (e.expires != 0 && e.expires <= nowMS) {
			break
		}
		c.mu.Unlock()
		<-e.done
		if !e.abandoned {
			return e.res, true
		}
		c.mu.Lock()
	}
	if len(c.seen) >= resultCacheCap {
		c.pruneLocked(nowMS)
	}
	c.seen[key] = &cachedResult{done: make(chan struct{})}
	c.mu.Unlock()
	return protocol.ResultMsg{}, false
}

// finish publishes res for key. keep=false forgets the key so a retry executes again.
func (c *resultCache) finish(key string, res protocol.ResultMsg, keep bool, now time.Time) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.seen[key]
	if !ok {
		return
	}
	if keep {
		e.res = res
		e.expires = now.UnixMilli() + c.ttl.Milliseconds()
	} else {
		e.abandoned = true
		delete(c.seen, key)
	}
	close(e.done)
}

func (c *resultCache) shouldPruneLocked(nowMS int64) bool {
	if len(c.seen) == 0 {
		return false
	}
	if len(c.seen) > 4096 {
		return true
	}
	return nowMS-c.lastPrune > c.ttl.Milliseconds()/2
}

// pruneLocked drops expired results. Pending entries (expires == 0) stay.
func (c *resultCache) pruneLocked(nowMS int64) {
	for k, e := range c.seen {
		if e.expires != 0 && e.expires <= nowMS {
			delete(c.seen, k)
		}
	}
	c.lastPrune = nowMS
}

func (c *resultCache) size() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
