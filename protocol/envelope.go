package protocol

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// every exchange between a client and the notebook server is wrapped in an `Envelope`
// client -> server envelopes carry the typed payload in `body`
// server -> client envelopes carry the typed payload in `message`

type MessageType string

const (
	MessageTypeConnect          MessageType = "connect"
	MessageTypeSetBond          MessageType = "set_bond"
	MessageTypeUpdateNotebook   MessageType = "update_notebook"
	MessageTypeResetSharedState MessageType = "reset_shared_state"
	MessageTypeRunMultipleCells MessageType = "run_multiple_cells"
	MessageTypeInterruptAll     MessageType = "interrupt_all"
	MessageTypeShutdownNotebook MessageType = "shutdown_notebook"

	// server -> client only
	MessageTypeNotebookDiff MessageType = "notebook_diff"
	MessageTypeAck          MessageType = "ack"
)

var ErrUnknownMessageType = errors.New("Unknown message type.")

type Envelope struct {
	Type MessageType `json:"type"`
	// the client that sent this envelope
	ClientId string `json:"client_id,omitempty"`
	// set by the server to the client that caused this envelope
	InitiatorId string `json:"initiator_id,omitempty"`
	// present only when a correlated response is expected
	RequestId  string          `json:"request_id,omitempty"`
	NotebookId string          `json:"notebook_id,omitempty"`
	CellId     string          `json:"cell_id,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
}

// NewRequestEnvelope wraps a client body. The type is taken from the body.
func NewRequestEnvelope(body Body) (*Envelope, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type: body.MessageType(),
		Body: bodyBytes,
	}, nil
}

// NewResponseEnvelope wraps a server message. The type is taken from the message.
func NewResponseEnvelope(message Body) (*Envelope, error) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:    message.MessageType(),
		Message: messageBytes,
	}, nil
}

// DecodeBody decodes the client payload into the body registered for the envelope type.
func (self *Envelope) DecodeBody() (Body, error) {
	body, err := NewRequestBody(self.Type)
	if err != nil {
		return nil, err
	}
	if len(self.Body) != 0 {
		if err := json.Unmarshal(self.Body, body); err != nil {
			return nil, fmt.Errorf("%s body: %w", self.Type, err)
		}
	}
	return body, nil
}

// DecodeMessage decodes the server payload into the message registered for the envelope type.
func (self *Envelope) DecodeMessage() (Body, error) {
	message, err := NewResponseMessage(self.Type)
	if err != nil {
		return nil, err
	}
	if len(self.Message) != 0 {
		if err := json.Unmarshal(self.Message, message); err != nil {
			return nil, fmt.Errorf("%s message: %w", self.Type, err)
		}
	}
	return message, nil
}

func (self *Envelope) String() string {
	s := string(self.Type)
	if self.RequestId != "" {
		s = fmt.Sprintf("%s r(%s)", s, self.RequestId)
	}
	if self.InitiatorId != "" {
		s = fmt.Sprintf("%s i(%s)", s, self.InitiatorId)
	}
	if self.NotebookId != "" {
		s = fmt.Sprintf("%s n(%s)", s, self.NotebookId)
	}
	return s
}
