// Package rpcproto carries this core's RPC messages as plain Go structs
// instead of generated protobuf types. Hand-maintaining .pb.go output
// without the protoc toolchain is not tractable here, so requests and
// responses are ordinary structs tagged for encoding/json, and this file
// registers a gRPC encoding.Codec ("json") that marshals them that way.
// Wire timestamps still use protobuf's well-known timestamppb.Timestamp,
// since that type ships as a plain generated struct in
// google.golang.org/protobuf and needs no project-specific generation.
package rpcproto

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// Name is the codec name passed to grpc.CallContentSubtype and
// registered with encoding.RegisterCodec.
const Name = "json"

// jsonCodec implements google.golang.org/grpc/encoding.Codec over
// encoding/json, grounded on the same "messages are plain structs"
// choice spec.md §2 makes for the merger collaborator.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpcproto: marshal: %w", err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("rpcproto: unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return Name }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
