package codec

import (
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

const (
	ProtoName     = "proto"
	ProtoJSONName = "json"
)

type protoSerializer[T proto.Message] struct {
	name      string
	typ       protoreflect.MessageType
	marshal   func(proto.Message) ([]byte, error)
	unmarshal func([]byte, proto.Message) error
}

// Proto returns the protobuf binary serializer for T.
func Proto[T proto.Message]() Serializer[T] {
	return newProtoSerializer[T](ProtoName,
		proto.MarshalOptions{Deterministic: true}.Marshal,
		proto.Unmarshal)
}

// ProtoJSON returns a serializer writing T in the protobuf JSON mapping.
func ProtoJSON[T proto.Message]() Serializer[T] {
	return newProtoSerializer[T](ProtoJSONName,
		protojson.Marshal,
		protojson.UnmarshalOptions{DiscardUnknown: true}.Unmarshal)
}

func newProtoSerializer[T proto.Message](name string, marshal func(proto.Message) ([]byte, error), unmarshal func([]byte, proto.Message) error) *protoSerializer[T] {
	var zero T
	return &protoSerializer[T]{
		name:      name,
		typ:       zero.ProtoReflect().Type(),
		marshal:   marshal,
		unmarshal: unmarshal,
	}
}

func (s *protoSerializer[T]) Name() string { return s.name }

func (s *protoSerializer[T]) Marshal(v T) ([]byte, error) {
	data, err := s.marshal(v)
	if err != nil {
		return nil, &EncodeError{Codec: s.name, Type: s.typeName(), Err: err}
	}
	return data, nil
}

func (s *protoSerializer[T]) Unmarshal(data []byte) (T, error) {
	msg := s.typ.New().Interface().(T)
	if err := s.unmarshal(data, msg); err != nil {
		var zero T
		return zero, &DecodeError{Codec: s.name, Type: s.typeName(), Err: err}
	}
	return msg, nil
}

func (s *protoSerializer[T]) typeName() string {
	return string(s.typ.Descriptor().FullName())
}
