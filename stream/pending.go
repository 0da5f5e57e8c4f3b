package stream

import (
	"sync"
)

// pendingRequests correlates asynchronous StreamResponse acknowledgements
// with the requests that caused them, keyed by request id. Each id resolves
// at most once; resolutions for unknown or already-resolved ids are logged
// and dropped.
type pendingRequests struct {
	logger Logger

	mu      sync.Mutex
	waiters map[string]chan StreamResponse
}

func newPendingRequests(logger Logger) *pendingRequests {
	return &pendingRequests{
		logger:  logger,
		waiters: map[string]chan StreamResponse{},
	}
}

// register creates a waiter for the given request id. The returned channel
// receives the response once, or is closed when the connection is lost.
func (p *pendingRequests) register(id string) <-chan StreamResponse {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan StreamResponse, 1)
	p.waiters[id] = ch
	return ch
}

func (p *pendingRequests) resolve(id string, resp StreamResponse) {
	p.mu.Lock()
	ch, ok := p.waiters[id]
	if ok {
		delete(p.waiters, id)
	}
	p.mu.Unlock()
	if !ok {
		p.logger.Warnf("schwabstream: unexpected response for request %q (%s/%s)", id, resp.Service, resp.Command)
		return
	}
	ch <- resp
	close(ch)
}

// evict abandons a waiter whose acknowledgement did not arrive in time. A
// late response for an evicted id goes down the unexpected-response path.
func (p *pendingRequests) evict(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.waiters, id)
}

// interruptAll closes every waiter so blocked callers fail fast when the
// connection is lost.
func (p *pendingRequests) interruptAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.waiters {
		close(ch)
		delete(p.waiters, id)
	}
}
