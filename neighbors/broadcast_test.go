package neighbors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"runelink/identity"
	"runelink/models"
)

func newTestBroadcast(t *testing.T, transport *fakeTransport, ids IdentityProvider) (*BroadcastController, *clock.Mock) {
	t.Helper()

	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	controller := NewBroadcastController(transport, ids, BroadcastConfig{Clock: mock})
	t.Cleanup(controller.Close)
	return controller, mock
}

func advanceUntilRemaining(t *testing.T, controller *BroadcastController, mock *clock.Mock, seconds, want int) {
	t.Helper()
	for i := 0; i < seconds; i++ {
		mock.Add(time.Second)
	}
	waitForCondition(t, 2*time.Second, func() bool {
		return controller.State().RemainingSeconds == want
	})
}

func TestBroadcastStartSendsRequest(t *testing.T) {
	transport := newFakeTransport()
	controller, _ := newTestBroadcast(t, transport, testIdentity)

	if err := controller.Start(context.Background(), intPtr(10)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	state := controller.State()
	if !state.IsBroadcasting || state.RemainingSeconds != 10 || state.DurationSeconds != 10 || state.Error != "" {
		t.Fatalf("unexpected state after start: %+v", state)
	}

	sent := transport.requests()
	if len(sent) != 1 {
		t.Fatalf("expected one request, got %d", len(sent))
	}
	req, ok := sent[0].(models.StartBroadcastRequest)
	if !ok {
		t.Fatalf("expected StartBroadcastRequest, got %T", sent[0])
	}
	if req.DurationSeconds != 10 || req.Alias != "R-abcd1234" || req.Fingerprint != "ᚠᚡᚢᚣ" {
		t.Fatalf("unexpected start request %+v", req)
	}

	if err := controller.Start(context.Background(), intPtr(20)); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	if len(transport.requests()) != 1 {
		t.Fatalf("Start while broadcasting must be a no-op")
	}
	if controller.State().DurationSeconds != 10 {
		t.Fatalf("Start while broadcasting must not change duration")
	}
}

func TestBroadcastCountdownIsMonotonic(t *testing.T) {
	transport := newFakeTransport()
	controller, mock := newTestBroadcast(t, transport, testIdentity)

	if err := controller.Start(context.Background(), intPtr(10)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	previous := controller.State().RemainingSeconds
	for want := 9; want >= 1; want-- {
		advanceUntilRemaining(t, controller, mock, 1, want)
		current := controller.State().RemainingSeconds
		if current > previous {
			t.Fatalf("remaining increased from %d to %d", previous, current)
		}
		previous = current
	}
}

func TestBroadcastCountdownUsesElapsedTime(t *testing.T) {
	transport := newFakeTransport()
	controller, mock := newTestBroadcast(t, transport, testIdentity)

	if err := controller.Start(context.Background(), intPtr(60)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// One large jump fires fewer ticks than seconds elapsed.
	mock.Add(25*time.Second + 500*time.Millisecond)
	waitForCondition(t, 2*time.Second, func() bool {
		return controller.State().RemainingSeconds == 35
	})
}

func TestBroadcastExpiryResetsToDefault(t *testing.T) {
	transport := newFakeTransport()
	controller, mock := newTestBroadcast(t, transport, testIdentity)

	updates, unsubscribe := controller.Subscribe()
	defer unsubscribe()

	if err := controller.Start(context.Background(), intPtr(10)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		mock.Add(time.Second)
	}

	waitForCondition(t, 2*time.Second, func() bool {
		return !controller.State().IsBroadcasting
	})
	state := controller.State()
	if state.RemainingSeconds != DefaultBroadcastSeconds {
		t.Fatalf("expected remaining to reset to %d, got %d", DefaultBroadcastSeconds, state.RemainingSeconds)
	}

	for _, req := range transport.requests() {
		if _, ok := req.(models.StopBroadcastRequest); ok {
			t.Fatalf("natural expiry must not send a stop request")
		}
	}

	sawStart := false
	for {
		select {
		case update := <-updates:
			if update.IsBroadcasting {
				sawStart = true
				continue
			}
			if !sawStart {
				t.Fatalf("expected start notification before expiry")
			}
			if update.RemainingSeconds == DefaultBroadcastSeconds {
				return
			}
		case <-time.After(time.Second):
			t.Fatalf("expected expiry notification")
		}
	}
}

func TestBroadcastStopKeepsRemaining(t *testing.T) {
	transport := newFakeTransport()
	controller, mock := newTestBroadcast(t, transport, testIdentity)

	if err := controller.Start(context.Background(), intPtr(10)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	advanceUntilRemaining(t, controller, mock, 3, 7)

	if err := controller.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	state := controller.State()
	if state.IsBroadcasting || state.RemainingSeconds != 7 {
		t.Fatalf("expected idle with 7 seconds remaining, got %+v", state)
	}

	sent := transport.requests()
	if _, ok := sent[len(sent)-1].(models.StopBroadcastRequest); !ok {
		t.Fatalf("expected StopBroadcastRequest, got %T", sent[len(sent)-1])
	}

	// Ticks after stop must not move the countdown.
	mock.Add(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if got := controller.State().RemainingSeconds; got != 7 {
		t.Fatalf("countdown moved after stop: %d", got)
	}

	if err := controller.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
	if len(transport.requests()) != len(sent) {
		t.Fatalf("Stop while idle must be a no-op")
	}
}

func TestBroadcastStartResumesLastRemaining(t *testing.T) {
	transport := newFakeTransport()
	controller, mock := newTestBroadcast(t, transport, testIdentity)

	if err := controller.Start(context.Background(), intPtr(10)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	advanceUntilRemaining(t, controller, mock, 3, 7)
	if err := controller.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if err := controller.Start(context.Background(), nil); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if got := controller.State().DurationSeconds; got != 7 {
		t.Fatalf("expected resumed duration 7, got %d", got)
	}
}

func TestBroadcastDefaultDuration(t *testing.T) {
	transport := newFakeTransport()
	controller, _ := newTestBroadcast(t, transport, testIdentity)

	if err := controller.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := controller.State().DurationSeconds; got != DefaultBroadcastSeconds {
		t.Fatalf("expected default duration %d, got %d", DefaultBroadcastSeconds, got)
	}
}

func TestBroadcastStartFailures(t *testing.T) {
	t.Run("identity", func(t *testing.T) {
		transport := newFakeTransport()
		controller, _ := newTestBroadcast(t, transport, fakeIdentity{err: identity.ErrPersistence})

		err := controller.Start(context.Background(), intPtr(10))
		if !errors.Is(err, identity.ErrPersistence) {
			t.Fatalf("expected identity error, got %v", err)
		}
		state := controller.State()
		if state.IsBroadcasting || state.Error == "" {
			t.Fatalf("expected idle state with error, got %+v", state)
		}
		if len(transport.requests()) != 0 {
			t.Fatalf("no request must be sent without identity")
		}
	})

	t.Run("transport", func(t *testing.T) {
		transport := newFakeTransport()
		transport.sendErr = errTransportDown
		controller, _ := newTestBroadcast(t, transport, testIdentity)

		err := controller.Start(context.Background(), intPtr(10))
		if !errors.Is(err, errTransportDown) {
			t.Fatalf("expected transport error, got %v", err)
		}
		state := controller.State()
		if state.IsBroadcasting || state.Error == "" {
			t.Fatalf("expected idle state with error, got %+v", state)
		}

		transport.mu.Lock()
		transport.sendErr = nil
		transport.mu.Unlock()
		if err := controller.Start(context.Background(), intPtr(10)); err != nil {
			t.Fatalf("retry Start failed: %v", err)
		}
		if state := controller.State(); !state.IsBroadcasting || state.Error != "" {
			t.Fatalf("expected retry to clear error, got %+v", state)
		}
	})

	t.Run("lost reply", func(t *testing.T) {
		transport := newFakeTransport()
		transport.failTypes[models.SignalStartBroadcast] = context.DeadlineExceeded
		controller, _ := newTestBroadcast(t, transport, testIdentity)

		updates, unsubscribe := controller.Subscribe()
		defer unsubscribe()

		if err := controller.Start(context.Background(), intPtr(10)); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline error, got %v", err)
		}

		sent := transport.requests()
		if len(sent) != 1 {
			t.Fatalf("expected a single withdrawing request, got %#v", sent)
		}
		if _, ok := sent[0].(models.StopBroadcastRequest); !ok {
			t.Fatalf("expected StopBroadcastRequest after failed start, got %T", sent[0])
		}

		for {
			select {
			case state := <-updates:
				if state.IsBroadcasting {
					t.Fatalf("subscribers must not see a broadcast that never started: %+v", state)
				}
			default:
				if state := controller.State(); state.RemainingSeconds != DefaultBroadcastSeconds {
					t.Fatalf("failed start must keep remaining time, got %+v", state)
				}
				return
			}
		}
	})
}

func TestBroadcastCloseCancelsCountdown(t *testing.T) {
	transport := newFakeTransport()
	mock := clock.NewMock()
	controller := NewBroadcastController(transport, testIdentity, BroadcastConfig{Clock: mock})

	updates, _ := controller.Subscribe()
	if err := controller.Start(context.Background(), intPtr(10)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	controller.Close()
	for range updates {
	}

	mock.Add(20 * time.Second)
	if len(transport.requests()) != 1 {
		t.Fatalf("Close must not send requests")
	}
}
