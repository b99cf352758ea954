package wsrelay

import "sync"

// activeCounter tracks the number of websocket connections that count
// against maxActiveWebsocketConnections. Reconnects are deliberately kept
// out of this counter by the caller (admitConnection), per spec.md §4.7.1
// point 5: replacing an already-attached socket is not growth.
type activeCounter struct {
	mu    sync.Mutex
	count int
}

func newActiveCounter() *activeCounter {
	return &activeCounter{}
}

// admitNewConnection reports whether a genuinely new connection fits under
// the cap, incrementing the counter if so.
func (c *activeCounter) admitNewConnection(limit int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit > 0 && c.count >= limit {
		return false
	}
	c.count++
	return true
}

// release returns one slot to the pool at teardown.
func (c *activeCounter) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count > 0 {
		c.count--
	}
}
