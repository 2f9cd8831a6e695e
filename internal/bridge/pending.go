package bridge

import (
	"encoding/json"
	"fmt"
	"sync"
)

// pendingCall is a one-shot result slot. The first settle wins; later ones
// are ignored.
type pendingCall struct {
	id        string
	operation string
	once      sync.Once
	done      chan struct{}
	result    json.RawMessage
	err       error
}

func newPendingCall(id, operation string) *pendingCall {
	return &pendingCall{
		id:        id,
		operation: operation,
		done:      make(chan struct{}),
	}
}

func (p *pendingCall) settle(result json.RawMessage, err error) bool {
	won := false
	p.once.Do(func() {
		p.result = result
		p.err = err
		won = true
		close(p.done)
	})
	return won
}

// outcome must only be read after done is closed.
func (p *pendingCall) outcome() (json.RawMessage, error) {
	return p.result, p.err
}

// callTable maps call ids to the slots still waiting on one session.
type callTable struct {
	mu     sync.Mutex
	calls  map[string]*pendingCall
	closed bool
}

func newCallTable() *callTable {
	return &callTable{calls: make(map[string]*pendingCall)}
}

func (t *callTable) register(id, operation string) (*pendingCall, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrPeerDisconnected
	}
	if _, exists := t.calls[id]; exists {
		return nil, fmt.Errorf("call id %s already pending", id)
	}
	call := newPendingCall(id, operation)
	t.calls[id] = call
	return call, nil
}

// resolve removes the slot and settles it. It reports false when the id is
// not pending, which covers duplicates, late replies, and foreign ids.
func (t *callTable) resolve(id string, result json.RawMessage, err error) bool {
	t.mu.Lock()
	call, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	return call.settle(result, err)
}

func (t *callTable) fail(id string, err error) bool {
	return t.resolve(id, nil, err)
}

// failAll settles every slot with err and refuses further registrations.
func (t *callTable) failAll(err error) int {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[string]*pendingCall)
	t.closed = true
	t.mu.Unlock()

	failed := 0
	for _, call := range calls {
		if call.settle(nil, err) {
			failed++
		}
	}
	return failed
}

func (t *callTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
