package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tabbridge/internal/protocol"
)

type fakeTransport struct {
	mu        sync.Mutex
	sent      []protocol.Outbound
	calls     chan protocol.CallRequest
	sendErr   error
	full      bool
	closed    bool
	closeCode int
	reason    string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{calls: make(chan protocol.CallRequest, 64)}
}

func (f *fakeTransport) Send(message protocol.Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("transport closed")
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	if f.full {
		return ErrSendQueueFull
	}
	f.sent = append(f.sent, message)
	if call, ok := message.(protocol.CallRequest); ok {
		f.calls <- call
	}
	return nil
}

// SendContext behaves like Send except that a full fake waits for ctx, the
// way a saturated socket queue does.
func (f *fakeTransport) SendContext(ctx context.Context, message protocol.Outbound) error {
	f.mu.Lock()
	full := f.full
	f.mu.Unlock()
	if full {
		<-ctx.Done()
		return fmt.Errorf("%w: %w", ErrSendQueueFull, ctx.Err())
	}
	return f.Send(message)
}

func (f *fakeTransport) setFull(full bool) {
	f.mu.Lock()
	f.full = full
	f.mu.Unlock()
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	f.reason = reason
	return nil
}

func (f *fakeTransport) messages() []protocol.Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Outbound, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransport) manifests() int {
	count := 0
	for _, message := range f.messages() {
		if _, ok := message.(protocol.ToolsManifest); ok {
			count++
		}
	}
	return count
}

func (f *fakeTransport) nextCall(t *testing.T) protocol.CallRequest {
	t.Helper()
	select {
	case call := <-f.calls:
		return call
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for call request")
	}
	return protocol.CallRequest{}
}
