package rethink

import (
	"errors"

	json "github.com/goccy/go-json"
)

// Entity is an application-defined record. The only structural requirement
// is a stable unique identifier field "id" used for equality and positional
// replacement. Everything else passes through unchanged.
type Entity map[string]any

func (self Entity) Id() any {
	return self["id"]
}

// change state machine per event is:
// ChangeInserted / ChangeUpdated / ChangeRemoved / ChangeCleared (fold into the snapshot)
//
//	-> ChangeFailed (terminal)
type ChangeType string

const (
	ChangeInserted ChangeType = "Inserted"
	ChangeUpdated  ChangeType = "Updated"
	ChangeRemoved  ChangeType = "Removed"
	ChangeCleared  ChangeType = "Cleared"
	ChangeFailed   ChangeType = "Failed"
)

func (self ChangeType) IsTerminal() bool {
	switch self {
	case ChangeFailed:
		return true
	default:
		return false
	}
}

type ChangeEvent struct {
	Type     ChangeType
	OldValue Entity
	NewValue Entity
	Err      error
}

// wire shape pushed by the backend on the table-named channel
type changeMessage struct {
	NewValue Entity  `json:"new_val,omitempty"`
	OldValue Entity  `json:"old_val,omitempty"`
	Err      *string `json:"err,omitempty"`
}

// parseChangeEvent classifies the old/new-presence combination once at the
// boundary so the fold never inspects nullable fields.
func parseChangeEvent(messageBytes []byte) (*ChangeEvent, error) {
	message := &changeMessage{}
	if err := json.Unmarshal(messageBytes, message); err != nil {
		return nil, err
	}
	return classifyChange(message), nil
}

func classifyChange(message *changeMessage) *ChangeEvent {
	if message.Err != nil {
		return &ChangeEvent{
			Type: ChangeFailed,
			Err:  errors.New(*message.Err),
		}
	}
	switch {
	case message.NewValue != nil && message.OldValue == nil:
		return &ChangeEvent{
			Type:     ChangeInserted,
			NewValue: message.NewValue,
		}
	case message.NewValue != nil && message.OldValue != nil:
		return &ChangeEvent{
			Type:     ChangeUpdated,
			OldValue: message.OldValue,
			NewValue: message.NewValue,
		}
	case message.NewValue == nil && message.OldValue != nil:
		return &ChangeEvent{
			Type:     ChangeRemoved,
			OldValue: message.OldValue,
		}
	default:
		return &ChangeEvent{
			Type: ChangeCleared,
		}
	}
}
