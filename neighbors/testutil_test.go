package neighbors

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"runelink/identity"
	"runelink/models"
)

type fakeIdentity struct {
	id  identity.Identity
	err error
}

func (f fakeIdentity) Identity(context.Context) (identity.Identity, error) {
	return f.id, f.err
}

var testIdentity = fakeIdentity{id: identity.Identity{Alias: "R-abcd1234", Fingerprint: "ᚠᚡᚢᚣ"}}

type fakeTransport struct {
	mu        sync.Mutex
	sent      []models.Request
	sendErr   error
	subErr    error
	streams   []chan models.DiscoveredDeviceMessage
	subCtxs   []context.Context
	failTypes map[string]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failTypes: make(map[string]error)}
}

func (f *fakeTransport) Send(_ context.Context, req models.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failTypes[req.SignalType()]; ok {
		return err
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeTransport) SubscribeDiscovered(ctx context.Context) (<-chan models.DiscoveredDeviceMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return nil, f.subErr
	}
	ch := make(chan models.DiscoveredDeviceMessage, 16)
	f.streams = append(f.streams, ch)
	f.subCtxs = append(f.subCtxs, ctx)
	return ch, nil
}

func (f *fakeTransport) requests() []models.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Request(nil), f.sent...)
}

func (f *fakeTransport) lastStream(t *testing.T) chan models.DiscoveredDeviceMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		t.Fatalf("no discovered-device subscription was opened")
	}
	return f.streams[len(f.streams)-1]
}

func (f *fakeTransport) lastSubscriptionContext(t *testing.T) context.Context {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subCtxs) == 0 {
		t.Fatalf("no discovered-device subscription was opened")
	}
	return f.subCtxs[len(f.subCtxs)-1]
}

var errTransportDown = errors.New("transport down")

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func intPtr(v int) *int {
	return &v
}
