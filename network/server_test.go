package network

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"runelink/identity"
	"runelink/models"
	"runelink/neighbors"
)

type recordingHandler struct {
	mu       sync.Mutex
	requests []models.Request
	devices  []models.DiscoveredDeviceMessage
	err      error
}

func (h *recordingHandler) HandleSignal(_ context.Context, req models.Request) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = append(h.requests, req)
	if h.err != nil {
		return nil, h.err
	}
	if _, ok := req.(models.GetDiscoveredDevicesRequest); ok {
		return models.GetDiscoveredDevicesResponse{Devices: h.devices}, nil
	}
	return nil, nil
}

func (h *recordingHandler) received() []models.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.Request(nil), h.requests...)
}

type staticIdentity identity.Identity

func (s staticIdentity) Identity(context.Context) (identity.Identity, error) {
	return identity.Identity(s), nil
}

func startTestBus(t *testing.T, handler Handler) (*Server, *Client) {
	t.Helper()

	server := NewServer(handler)
	ts := httptest.NewServer(server)
	t.Cleanup(func() {
		server.Close()
		ts.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+SignalPath)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return server, client
}

func TestClientSendDeliversTypedRequest(t *testing.T) {
	handler := &recordingHandler{}
	_, client := startTestBus(t, handler)

	req := models.StartBroadcastRequest{DurationSeconds: 42, Alias: "R-abcd1234", Fingerprint: "ᚠᚡᚢᚣ"}
	if err := client.Send(context.Background(), req); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := client.Send(context.Background(), models.StopBroadcastRequest{}); err != nil {
		t.Fatalf("Send stop failed: %v", err)
	}

	got := handler.received()
	if len(got) != 2 {
		t.Fatalf("expected two requests, got %d", len(got))
	}
	if got[0] != req {
		t.Fatalf("unexpected first request %#v", got[0])
	}
	if _, ok := got[1].(models.StopBroadcastRequest); !ok {
		t.Fatalf("unexpected second request %#v", got[1])
	}
}

func TestClientSendReportsHandlerError(t *testing.T) {
	handler := &recordingHandler{err: errors.New("fingerprint is required to broadcast")}
	_, client := startTestBus(t, handler)

	err := client.Send(context.Background(), models.StartBroadcastRequest{})
	if !errors.Is(err, ErrRemote) {
		t.Fatalf("expected ErrRemote, got %v", err)
	}
	if !strings.Contains(err.Error(), "fingerprint is required") {
		t.Fatalf("expected remote message in error, got %v", err)
	}
}

func TestClientListDevices(t *testing.T) {
	handler := &recordingHandler{devices: []models.DiscoveredDeviceMessage{
		{Alias: "Kitchen", Fingerprint: "peer-1", DeviceType: "desktop", LastSeenUnixEpoch: 1_760_000_000, IPs: []string{"10.0.0.2"}},
	}}
	_, client := startTestBus(t, handler)

	devices, err := client.ListDevices(context.Background())
	if err != nil {
		t.Fatalf("ListDevices failed: %v", err)
	}
	if len(devices) != 1 || devices[0].Fingerprint != "peer-1" || devices[0].IPs[0] != "10.0.0.2" {
		t.Fatalf("unexpected devices %+v", devices)
	}
}

func TestServerDevicesEndpoint(t *testing.T) {
	handler := &recordingHandler{devices: []models.DiscoveredDeviceMessage{{Alias: "Kitchen", Fingerprint: "peer-1"}}}
	server := NewServer(handler)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(func() {
		server.Close()
		ts.Close()
	})

	resp, err := http.Get(ts.URL + DevicesPath)
	if err != nil {
		t.Fatalf("GET devices failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	var list models.GetDiscoveredDevicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode device list: %v", err)
	}
	if len(list.Devices) != 1 || list.Devices[0].Fingerprint != "peer-1" {
		t.Fatalf("unexpected device list %+v", list)
	}

	post, err := http.Post(ts.URL+DevicesPath, "application/json", nil)
	if err != nil {
		t.Fatalf("POST devices failed: %v", err)
	}
	post.Body.Close()
	if post.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for POST, got %d", post.StatusCode)
	}
}

func TestServerPublishesDiscoveredDevices(t *testing.T) {
	server, client := startTestBus(t, &recordingHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	events, err := client.SubscribeDiscovered(ctx)
	if err != nil {
		t.Fatalf("SubscribeDiscovered failed: %v", err)
	}
	// A round trip guarantees the server has registered the connection.
	if err := client.Send(context.Background(), models.StopListeningRequest{}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	server.PublishDiscovered(models.DiscoveredDeviceMessage{Alias: "Kitchen", Fingerprint: "peer-1"})

	select {
	case msg := <-events:
		if msg.Fingerprint != "peer-1" || msg.Alias != "Kitchen" {
			t.Fatalf("unexpected event %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for discovered device")
	}

	cancel()
	select {
	case _, ok := <-events:
		if ok {
			t.Fatalf("expected subscription to close after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription was not closed")
	}
}

func TestClientFailsAfterServerClose(t *testing.T) {
	server, client := startTestBus(t, &recordingHandler{})

	events, err := client.SubscribeDiscovered(context.Background())
	if err != nil {
		t.Fatalf("SubscribeDiscovered failed: %v", err)
	}
	if err := client.Send(context.Background(), models.StopListeningRequest{}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	server.Close()

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("client did not notice the server closing")
	}
	if _, ok := <-events; ok {
		t.Fatalf("expected subscription to be closed")
	}
	if err := client.Send(context.Background(), models.StopListeningRequest{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := client.SubscribeDiscovered(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from subscribe, got %v", err)
	}
}

func TestServerDeliversRepliesDuringEventBurst(t *testing.T) {
	server, client := startTestBus(t, &recordingHandler{})

	stop := make(chan struct{})
	var publishers sync.WaitGroup
	publishers.Add(1)
	go func() {
		defer publishers.Done()
		for {
			select {
			case <-stop:
				return
			default:
				server.PublishDiscovered(models.DiscoveredDeviceMessage{Alias: "Kitchen", Fingerprint: "peer-1"})
			}
		}
	}()
	defer func() {
		close(stop)
		publishers.Wait()
	}()

	for i := 0; i < 200; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Send(ctx, models.StopListeningRequest{})
		cancel()
		if err != nil {
			t.Fatalf("request %d got no reply: %v", i, err)
		}
	}
}

func TestDecodeRequestRejectsUnknownSignal(t *testing.T) {
	if _, err := DecodeRequest(Envelope{ID: "1", Type: "teleport"}); !errors.Is(err, ErrUnknownSignal) {
		t.Fatalf("expected ErrUnknownSignal, got %v", err)
	}
	if _, err := DecodeRequest(Envelope{ID: "1", Type: models.SignalStartBroadcast, Payload: []byte(`{`)}); err == nil {
		t.Fatalf("expected error for malformed payload")
	}

	env, err := EncodeRequest(models.StartListeningRequest{Alias: "R-abcd1234", Fingerprint: "ᚠ"})
	if err != nil {
		t.Fatalf("EncodeRequest failed: %v", err)
	}
	if env.ID == "" || env.Type != models.SignalStartListening {
		t.Fatalf("unexpected envelope %+v", env)
	}
	req, err := DecodeRequest(env)
	if err != nil {
		t.Fatalf("DecodeRequest failed: %v", err)
	}
	if got := req.(models.StartListeningRequest); got.Fingerprint != "ᚠ" || got.Alias != "R-abcd1234" {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestDeviceListenerOverSignalBus(t *testing.T) {
	handler := &recordingHandler{}
	server, client := startTestBus(t, handler)

	listener := neighbors.NewDeviceListener(client, staticIdentity{Alias: "R-abcd1234", Fingerprint: "self"}, neighbors.ListenerConfig{})
	t.Cleanup(listener.Close)

	if err := listener.StartListening(context.Background()); err != nil {
		t.Fatalf("StartListening failed: %v", err)
	}
	if got := handler.received(); len(got) != 1 || got[0] != (models.StartListeningRequest{Alias: "R-abcd1234", Fingerprint: "self"}) {
		t.Fatalf("unexpected backend requests %#v", got)
	}

	server.PublishDiscovered(models.DiscoveredDeviceMessage{
		Alias:             "Kitchen",
		DeviceModel:       "RuneAudio",
		DeviceType:        "desktop",
		Fingerprint:       "peer-1",
		LastSeenUnixEpoch: time.Now().Unix(),
		IPs:               []string{"10.0.0.2"},
	})
	waitForCondition(t, 2*time.Second, func() bool {
		devices := listener.Devices()
		return len(devices) == 1 && devices[0].Alias == "Kitchen"
	})

	if err := listener.StopListening(context.Background()); err != nil {
		t.Fatalf("StopListening failed: %v", err)
	}
	if len(listener.Devices()) != 0 {
		t.Fatalf("expected device table to be cleared")
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}
