package broadcast

import (
	"encoding/json"
	"fmt"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
)

// Message type constants
const (
	TypeBatchStatus = "batch.status"
)

// Envelope wraps every message sent to status subscribers
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// EnvelopeRaw is used by subscribers to dispatch on Type before decoding
// the payload.
type EnvelopeRaw struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalStatus encodes a status event in its envelope
func MarshalStatus(ev domain.StatusEvent) ([]byte, error) {
	return json.Marshal(Envelope{Type: TypeBatchStatus, Payload: ev})
}

// DecodeStatus decodes a batch.status message
func DecodeStatus(data []byte) (domain.StatusEvent, error) {
	var env EnvelopeRaw
	var ev domain.StatusEvent
	if err := json.Unmarshal(data, &env); err != nil {
		return ev, err
	}
	if env.Type != TypeBatchStatus {
		return ev, fmt.Errorf("unexpected message type %q", env.Type)
	}
	err := json.Unmarshal(env.Payload, &ev)
	return ev, err
}
