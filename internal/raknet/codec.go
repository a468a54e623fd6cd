package raknet

// Message is a decoded application-layer payload handed to and received
// from the upper layer. The core never inspects a Message's contents; it
// only needs to know how to get wire bytes in and out of it, so the
// interface is intentionally narrow (spec §1 "Out of scope: packet codecs
// for individual application messages").
type Message interface {
	// ID is the leading byte identifying this message's type on the wire.
	ID() byte
}

// RawMessage is the identity Message implementation used when no
// application codec is registered, or by tests: the payload is passed
// through unmodified with its first byte as the ID.
type RawMessage struct {
	MessageID byte
	Payload   []byte
}

func (m RawMessage) ID() byte { return m.MessageID }

// MessageCodec turns encapsulated-message payload bytes into application
// Messages and back (spec §6 "Message codec"). The core calls Decode on
// every delivered payload and Encode on every outbound Send.
type MessageCodec interface {
	Decode(id byte, body []byte) (Message, error)
	Encode(m Message) []byte
}

// rawCodec is the core's built-in default: it never fails to decode and
// treats the whole payload (including the leading ID byte) as opaque,
// useful when the upper layer wants the raw bytes rather than a typed
// Message.
type rawCodec struct{}

func (rawCodec) Decode(id byte, body []byte) (Message, error) {
	return RawMessage{MessageID: id, Payload: body}, nil
}

func (rawCodec) Encode(m Message) []byte {
	raw, ok := m.(RawMessage)
	if !ok {
		return []byte{m.ID()}
	}
	out := make([]byte, 0, 1+len(raw.Payload))
	out = append(out, raw.MessageID)
	out = append(out, raw.Payload...)
	return out
}
