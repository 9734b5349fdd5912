package protocol

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Body is the typed payload of an envelope. Each body is bound to exactly one `MessageType`.
type Body interface {
	MessageType() MessageType
}

// client -> server

type ConnectArgs struct {
}

func (self *ConnectArgs) MessageType() MessageType { return MessageTypeConnect }

type SetBondArgs struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
	// the first value after a bond is mounted. The server may skip re-evaluation
	// when the value matches its own state.
	IsFirstValue bool `json:"is_first_value,omitempty"`
}

func (self *SetBondArgs) MessageType() MessageType { return MessageTypeSetBond }

type UpdateNotebookArgs struct {
	Patches []Patch `json:"updates"`
}

func (self *UpdateNotebookArgs) MessageType() MessageType { return MessageTypeUpdateNotebook }

type ResetSharedStateArgs struct {
}

func (self *ResetSharedStateArgs) MessageType() MessageType { return MessageTypeResetSharedState }

type RunMultipleCellsArgs struct {
	CellIds []string `json:"cells"`
}

func (self *RunMultipleCellsArgs) MessageType() MessageType { return MessageTypeRunMultipleCells }

type InterruptAllArgs struct {
}

func (self *InterruptAllArgs) MessageType() MessageType { return MessageTypeInterruptAll }

type ShutdownNotebookArgs struct {
	KeepInSession bool `json:"keep_in_session"`
}

func (self *ShutdownNotebookArgs) MessageType() MessageType { return MessageTypeShutdownNotebook }

// server -> client

type ConnectResult struct {
	Env            map[string]any `json:"ENV"`
	NotebookExists bool           `json:"notebookExists"`
	Options        map[string]any `json:"options,omitempty"`
}

func (self *ConnectResult) MessageType() MessageType { return MessageTypeConnect }

type NotebookDiff struct {
	Patches []Patch `json:"patches"`
	// optional result of the request that caused the diff
	Response json.RawMessage `json:"response,omitempty"`
}

func (self *NotebookDiff) MessageType() MessageType { return MessageTypeNotebookDiff }

type Ack struct {
	Error string `json:"error,omitempty"`
}

func (self *Ack) MessageType() MessageType { return MessageTypeAck }

func NewRequestBody(messageType MessageType) (Body, error) {
	switch messageType {
	case MessageTypeConnect:
		return &ConnectArgs{}, nil
	case MessageTypeSetBond:
		return &SetBondArgs{}, nil
	case MessageTypeUpdateNotebook:
		return &UpdateNotebookArgs{}, nil
	case MessageTypeResetSharedState:
		return &ResetSharedStateArgs{}, nil
	case MessageTypeRunMultipleCells:
		return &RunMultipleCellsArgs{}, nil
	case MessageTypeInterruptAll:
		return &InterruptAllArgs{}, nil
	case MessageTypeShutdownNotebook:
		return &ShutdownNotebookArgs{}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownMessageType, messageType)
	}
}

func NewResponseMessage(messageType MessageType) (Body, error) {
	switch messageType {
	case MessageTypeConnect:
		return &ConnectResult{}, nil
	case MessageTypeNotebookDiff:
		return &NotebookDiff{}, nil
	case MessageTypeAck:
		return &Ack{}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownMessageType, messageType)
	}
}
