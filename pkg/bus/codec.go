package bus

import (
	"errors"
	"fmt"

	"github.com/MovieFirebots/Anime-Realm/pkg/jsoncodec"
)

// ErrPoison marks a queue payload that can never be dispatched.
var ErrPoison = errors.New("poison payload")

// MarshalInbound encodes an event for a broker-backed queue.
func MarshalInbound(event InboundEvent) ([]byte, error) {
	if event.ID == "" {
		return nil, errors.New("inbound event id is required")
	}

	return jsoncodec.Marshal(event)
}

// UnmarshalInbound decodes a queue payload. Undecodable payloads and events
// without an id or chat wrap ErrPoison.
func UnmarshalInbound(data []byte) (InboundEvent, error) {
	var event InboundEvent
	if err := jsoncodec.Unmarshal(data, &event); err != nil {
		return InboundEvent{}, fmt.Errorf("%w: %v", ErrPoison, err)
	}
	if event.ID == "" || event.ChatID == "" {
		return InboundEvent{}, fmt.Errorf("%w: missing id or chat_id", ErrPoison)
	}

	return event, nil
}
