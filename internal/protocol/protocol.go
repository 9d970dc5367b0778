// Package protocol defines the closed set of messages exchanged between the
// two peers and their JSON encoding. Every payload carries a "state"
// discriminator ("type" is accepted as an alias when decoding); required
// fields are checked before a message is handed to the dispatcher.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Common errors returned by Decode.
var (
	ErrMalformed    = errors.New("malformed payload")
	ErrUnknownKind  = errors.New("unknown message kind")
	ErrMissingField = errors.New("missing required field")
	ErrInvalidField = errors.New("invalid field value")
)

// Kind is the discriminator value of a message.
type Kind string

// Message is implemented by every concrete message type.
type Message interface {
	Kind() Kind
}

// validator is implemented by messages with checks beyond field presence.
type validator interface {
	Validate() error
}

type kindInfo struct {
	required []string
	make     func() Message
}

// Encode serializes msg with its discriminator written first.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("failed to encode message: %w", ErrMalformed)
	}
	if _, ok := registry[msg.Kind()]; !ok {
		return nil, fmt.Errorf("failed to encode %q: %w", msg.Kind(), ErrUnknownKind)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", msg.Kind(), err)
	}
	tag, err := json.Marshal(string(msg.Kind()))
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", msg.Kind(), err)
	}

	out := make([]byte, 0, len(body)+len(tag)+10)
	out = append(out, `{"state":`...)
	out = append(out, tag...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// Decode parses a payload into its concrete message type.
func Decode(payload []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	kind, err := discriminator(fields)
	if err != nil {
		return nil, err
	}

	info, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	for _, name := range info.required {
		if _, ok := fields[name]; !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrMissingField, kind, name)
		}
	}

	delete(fields, "state")
	delete(fields, "type")
	body, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	msg := info.make()
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err)
	}

	if v, ok := msg.(validator); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidField, kind, err)
		}
	}
	return msg, nil
}

// PeekKind reads only the discriminator of a payload.
func PeekKind(payload []byte) (Kind, error) {
	var head struct {
		State Kind `json:"state"`
		Type  Kind `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if head.State != "" {
		return head.State, nil
	}
	if head.Type != "" {
		return head.Type, nil
	}
	return "", fmt.Errorf("%w: state", ErrMissingField)
}

// Known reports whether kind belongs to the protocol.
func Known(kind Kind) bool {
	_, ok := registry[kind]
	return ok
}

func discriminator(fields map[string]json.RawMessage) (Kind, error) {
	for _, key := range []string{"state", "type"} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || s == "" {
			return "", fmt.Errorf("%w: %s must be a non-empty string", ErrMalformed, key)
		}
		return Kind(s), nil
	}
	return "", fmt.Errorf("%w: state", ErrMissingField)
}
