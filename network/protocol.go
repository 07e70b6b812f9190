package network

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"runelink/models"
)

const (
	// SignalPath is the HTTP path the signal bus is served on.
	SignalPath = "/signals"
	// DevicesPath serves the device cache as JSON for plain HTTP clients.
	DevicesPath = "/devices"
	// MaxEnvelopeSize bounds one websocket message.
	MaxEnvelopeSize = 1 << 20
)

var (
	// ErrClosed indicates the signal connection is gone.
	ErrClosed = errors.New("network: signal connection closed")
	// ErrUnknownSignal indicates the envelope type is missing or unknown.
	ErrUnknownSignal = errors.New("network: unknown signal")
	// ErrRemote wraps an error reported by the other side.
	ErrRemote = errors.New("network: remote error")
)

// Envelope frames every message on the signal bus. Responses carry the ID
// of the request they answer.
type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// SignalURL returns the websocket URL of a backend listening on address.
func SignalURL(address string) string {
	return "ws://" + address + SignalPath
}

// NewEnvelope builds an envelope with a fresh ID.
func NewEnvelope(signal string, payload any) (Envelope, error) {
	env := Envelope{ID: uuid.NewString(), Type: signal}
	if payload == nil {
		return env, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", signal, err)
	}
	env.Payload = raw
	return env, nil
}

// EncodeRequest wraps req in an envelope.
func EncodeRequest(req models.Request) (Envelope, error) {
	return NewEnvelope(req.SignalType(), req)
}

// DecodeRequest returns the typed request carried by env.
func DecodeRequest(env Envelope) (models.Request, error) {
	switch env.Type {
	case models.SignalStartBroadcast:
		var req models.StartBroadcastRequest
		return req, decodePayload(env, &req)
	case models.SignalStopBroadcast:
		return models.StopBroadcastRequest{}, nil
	case models.SignalStartListening:
		var req models.StartListeningRequest
		return req, decodePayload(env, &req)
	case models.SignalStopListening:
		return models.StopListeningRequest{}, nil
	case models.SignalGetDiscoveredDevices:
		return models.GetDiscoveredDevicesRequest{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSignal, env.Type)
	}
}

func decodePayload(env Envelope, out any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return nil
}

// responseEnvelope builds the reply to request id for a handler result.
func responseEnvelope(id string, result any, handlerErr error) Envelope {
	if handlerErr != nil {
		return Envelope{ID: id, Type: models.SignalError, Error: handlerErr.Error()}
	}

	signal := models.SignalAck
	if _, ok := result.(models.GetDiscoveredDevicesResponse); ok {
		signal = models.SignalGetDiscoveredDevicesAck
	}

	env, err := NewEnvelope(signal, result)
	if err != nil {
		return Envelope{ID: id, Type: models.SignalError, Error: err.Error()}
	}
	env.ID = id
	return env
}
