package connect

import (
	"fmt"

	"github.com/bringyour/nbsync/protocol"
)

// an inbound message that could not be decoded into an envelope.
// The connection that carried it is failed and re-established.
type ProtocolDecodeError struct {
	Err  error
	Size int
}

func (self *ProtocolDecodeError) Error() string {
	return fmt.Sprintf("Could not decode message (%d bytes): %s", self.Size, self.Err)
}

func (self *ProtocolDecodeError) Unwrap() error {
	return self.Err
}

func ToEnvelope(body protocol.Body) (*protocol.Envelope, error) {
	if body == nil {
		return nil, fmt.Errorf("Missing body.")
	}
	return protocol.NewRequestEnvelope(body)
}

// FromEnvelope decodes the typed server message of an envelope.
func FromEnvelope(envelope *protocol.Envelope) (protocol.Body, error) {
	return envelope.DecodeMessage()
}

// DecodeEnvelope decodes one websocket message. Any failure is a `*ProtocolDecodeError`.
func DecodeEnvelope(codec protocol.Codec, message []byte) (*protocol.Envelope, error) {
	envelope, err := codec.Decode(message)
	if err != nil {
		return nil, &ProtocolDecodeError{
			Err:  err,
			Size: len(message),
		}
	}
	return envelope, nil
}

func EncodeEnvelope(codec protocol.Codec, envelope *protocol.Envelope) ([]byte, error) {
	return codec.Encode(envelope)
}

// decodeAck reports the server error carried by an ack, if any
func decodeAck(envelope *protocol.Envelope) error {
	if envelope.Type != protocol.MessageTypeAck {
		return nil
	}
	message, err := FromEnvelope(envelope)
	if err != nil {
		return err
	}
	ack := message.(*protocol.Ack)
	if ack.Error != "" {
		return &ServerError{
			MessageType: envelope.Type,
			Message:     ack.Error,
		}
	}
	return nil
}

// an error reported by the server in response to a request
type ServerError struct {
	MessageType protocol.MessageType
	Message     string
}

func (self *ServerError) Error() string {
	return fmt.Sprintf("Server error (%s): %s", self.MessageType, self.Message)
}
