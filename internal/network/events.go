package network

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/isoflow/internal/runtime/jsoncodec"
)

// Metadata keys set on published events.
const (
	MetadataEventType  = "isoflow_event_type"
	MetadataProtocolID = "isoflow_protocol_message_id"
)

// EncodeEvent wraps ev in a watermill message with routing metadata.
func EncodeEvent(ev Event) (*message.Message, error) {
	payload, err := jsoncodec.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("network: failed to encode %s event: %w", ev.Type, err)
	}
	id := ev.ID
	if id == "" {
		id = watermill.NewUUID()
	}
	msg := message.NewMessage(id, payload)
	msg.Metadata.Set(MetadataEventType, string(ev.Type))
	msg.Metadata.Set(MetadataProtocolID, ev.ProtocolMessageID)
	return msg, nil
}

// DecodeEvent reads an event envelope.
func DecodeEvent(payload []byte) (Event, error) {
	var ev Event
	if err := jsoncodec.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("network: failed to decode event: %w", err)
	}
	return ev, nil
}
