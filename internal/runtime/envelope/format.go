package envelope

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	errspkg "github.com/drblury/simbus/internal/runtime/errors"
	"github.com/drblury/simbus/internal/runtime/jsoncodec"
)

var protoMarshal = proto.MarshalOptions{Deterministic: true}

func marshalProto(env Envelope) ([]byte, error) {
	s, err := structpb.NewStruct(env.Map())
	if err != nil {
		return nil, &errspkg.SerializationError{Path: "envelope", Err: err}
	}
	body, err := protoMarshal.Marshal(s)
	if err != nil {
		return nil, &errspkg.SerializationError{Path: "envelope", Err: err}
	}
	return body, nil
}

func unmarshalProto(body []byte) (map[string]any, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(body, &s); err != nil {
		return nil, err
	}
	return s.AsMap(), nil
}

func marshalJSON(env Envelope) ([]byte, error) {
	body, err := jsoncodec.Marshal(env.Map())
	if err != nil {
		return nil, &errspkg.SerializationError{Path: "envelope", Err: err}
	}
	return body, nil
}

func unmarshalJSON(body []byte) (map[string]any, error) {
	return jsoncodec.UnmarshalObject(body)
}
