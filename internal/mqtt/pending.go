package mqtt

import (
	"sync"
)

type twinResponse struct {
	status int
	body   []byte
}

// pending correlates twin requests with their responses by $rid.
type pending struct {
	mu      sync.Mutex
	waiters map[string]chan twinResponse
	closed  bool
}

func newPending() *pending {
	return &pending{waiters: make(map[string]chan twinResponse)}
}

func (p *pending) add(rid string) (<-chan twinResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrSessionClosed
	}
	ch := make(chan twinResponse, 1)
	p.waiters[rid] = ch
	return ch, nil
}

// resolve hands the response to the waiter of rid. Unknown ids are dropped.
func (p *pending) resolve(rid string, resp twinResponse) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, ok := p.waiters[rid]
	if !ok {
		return false
	}
	delete(p.waiters, rid)
	ch <- resp
	return true
}

func (p *pending) remove(rid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.waiters, rid)
}

func (p *pending) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// closeAll wakes every waiter with a closed channel and rejects new requests.
func (p *pending) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	for rid, ch := range p.waiters {
		close(ch)
		delete(p.waiters, rid)
	}
}
