package transport

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec implements google.golang.org/grpc/encoding.Codec using plain
// JSON instead of generated protobuf messages. gRPC's codec is pluggable
// precisely for services that carry hand-defined message structs.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
