// Package neighbors coordinates advertising this device and tracking peers
// that advertise themselves on the local network.
package neighbors

import (
	"context"
	"errors"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"runelink/identity"
	"runelink/models"
)

var log = logging.Logger("neighbors")

// ErrIdentityNotInitialized is reported when alias or fingerprint cannot be resolved.
var ErrIdentityNotInitialized = errors.New("device identity is not initialized")

// withdrawTimeout bounds the stop request sent after a failed start.
const withdrawTimeout = 2 * time.Second

// Transport carries requests to the discovery backend and its peer events back.
type Transport interface {
	Send(ctx context.Context, req models.Request) error
	SubscribeDiscovered(ctx context.Context) (<-chan models.DiscoveredDeviceMessage, error)
}

// IdentityProvider resolves the local device identity.
type IdentityProvider interface {
	Identity(ctx context.Context) (identity.Identity, error)
}

// withdraw asks the backend to undo a start request whose reply was lost.
// The start may or may not have taken effect, so failures are only logged.
func withdraw(transport Transport, req models.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), withdrawTimeout)
	defer cancel()
	if err := transport.Send(ctx, req); err != nil {
		log.Debugw("withdraw after failed start", "type", req.SignalType(), "err", err)
	}
}

type notifier[T any] struct {
	mu        sync.Mutex
	listeners []chan T
}

func (n *notifier[T]) subscribe() (<-chan T, func()) {
	ch := make(chan T, 32)

	n.mu.Lock()
	n.listeners = append(n.listeners, ch)
	n.mu.Unlock()

	return ch, func() { n.unsubscribe(ch) }
}

func (n *notifier[T]) unsubscribe(ch chan T) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, listener := range n.listeners {
		if listener == ch {
			close(listener)
			n.listeners = append(n.listeners[:i], n.listeners[i+1:]...)
			return
		}
	}
}

func (n *notifier[T]) notify(value T) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.listeners {
		select {
		case ch <- value:
		default:
		}
	}
}

func (n *notifier[T]) closeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.listeners {
		close(ch)
	}
	n.listeners = nil
}
