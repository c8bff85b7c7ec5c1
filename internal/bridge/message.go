// Package bridge implements the call/callback bridge between a presentation
// client and long-lived host objects. Calls and callbacks travel as two
// independent message channels over one transport: a Call is answered by
// exactly one Result, and a function argument becomes a callback reference
// that the Host can invoke any number of times until it releases it.
package bridge

import (
	"encoding/json"
	"fmt"
)

// Command identifies the kind of a bridge message.
type Command string

const (
	CommandCall     Command = "call"
	CommandResult   Command = "callResult"
	CommandCallback Command = "callback"
	CommandCleanup  Command = "cleanupCallback"
)

// Message is the single wire shape for every bridge command. Which fields
// are set depends on Command.
type Message struct {
	Command    Command           `json:"command"`
	CallID     string            `json:"callId,omitempty"`
	Object     string            `json:"object,omitempty"`
	Method     string            `json:"method,omitempty"`
	Args       []json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage   `json:"result,omitempty"`
	Error      *WireError        `json:"error,omitempty"`
	CallbackID string            `json:"callbackId,omitempty"`
}

// WireError is a serialized call failure.
type WireError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// callbackRef replaces a function argument on the wire.
type callbackRef struct {
	CallbackID string `json:"__callbackId"`
}

// Args are the raw arguments of a call or callback invocation.
type Args []json.RawMessage

// Len returns the number of arguments.
func (a Args) Len() int {
	return len(a)
}

// Decode unmarshals argument i into v.
func (a Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a) {
		return fmt.Errorf("%w: %d of %d", ErrArgIndex, i, len(a))
	}
	if err := json.Unmarshal(a[i], v); err != nil {
		return fmt.Errorf("decode argument %d: %w", i, err)
	}
	return nil
}

func encodeArgs(args []any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(args))
	for i, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("encode argument %d: %w", i, err)
		}
		out[i] = data
	}
	return out, nil
}
