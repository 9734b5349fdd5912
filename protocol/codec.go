package protocol

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var ErrMissingType = errors.New("Envelope missing type.")

// Codec converts envelopes to and from websocket messages
type Codec interface {
	Encode(envelope *Envelope) ([]byte, error)
	Decode(b []byte) (*Envelope, error)
	// binary codecs are sent as websocket binary messages, others as text messages
	Binary() bool
}

func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return &JsonCodec{}, nil
	case "struct", "binary":
		return &StructCodec{}, nil
	default:
		return nil, fmt.Errorf("Unknown codec: %s", name)
	}
}

type JsonCodec struct {
}

func (self *JsonCodec) Encode(envelope *Envelope) ([]byte, error) {
	return json.Marshal(envelope)
}

func (self *JsonCodec) Decode(b []byte) (*Envelope, error) {
	envelope := &Envelope{}
	if err := json.Unmarshal(b, envelope); err != nil {
		return nil, err
	}
	if envelope.Type == "" {
		return nil, ErrMissingType
	}
	return envelope, nil
}

func (self *JsonCodec) Binary() bool {
	return false
}

// StructCodec encodes the envelope as a self-describing `google.protobuf.Struct`.
// The envelope shape is the same as the json codec.
type StructCodec struct {
}

func (self *StructCodec) Encode(envelope *Envelope) ([]byte, error) {
	envelopeJson, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(envelopeJson, &fields); err != nil {
		return nil, err
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

func (self *StructCodec) Decode(b []byte) (*Envelope, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(b, s); err != nil {
		return nil, err
	}
	envelopeJson, err := json.Marshal(s.AsMap())
	if err != nil {
		return nil, err
	}
	return (&JsonCodec{}).Decode(envelopeJson)
}

func (self *StructCodec) Binary() bool {
	return true
}
