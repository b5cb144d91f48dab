// Package codec defines the per-message-type serializers used to turn frame
// payloads into typed messages and back.
package codec

import "fmt"

// Serializer converts between one message type and its wire bytes.
// Implementations must be safe for concurrent use and keep no state
// between calls.
type Serializer[T any] interface {
	// Name identifies the encoding, e.g. "proto".
	Name() string
	Marshal(v T) ([]byte, error)
	// Unmarshal parses data. Malformed input yields a *DecodeError.
	Unmarshal(data []byte) (T, error)
}

// DecodeError reports a payload that does not parse as the expected type.
type DecodeError struct {
	Codec string
	Type  string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("codec: %s: cannot decode %s: %v", e.Codec, e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError reports a message that could not be serialized.
type EncodeError struct {
	Codec string
	Type  string
	Err   error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("codec: %s: cannot encode %s: %v", e.Codec, e.Type, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }
