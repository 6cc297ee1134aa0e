// Package grpcpeer is the networked implementation of rma.Facade: every
// peer is a separate OS process, reachable over real gRPC traffic
// instead of rma/inproc's shared-memory simulation. There is no .proto
// file behind it: every operation collapses into one opaque
// request/response pair (wire.go) carried by a hand-authored
// grpc.ServiceDesc, encoded with the gob codec registered here instead
// of a protoc-generated message type.
package grpcpeer

import (
	"bytes"
	"encoding/gob"

	"google.golang.org/grpc/encoding"
)

const codecName = "gob"

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// gobCodec lets grpc-go carry wireRequest/wireResponse without a
// protobuf message type. Calls opt into it with
// grpc.CallContentSubtype(codecName); the server side negotiates the
// same codec automatically off the content-subtype the client sent.
type gobCodec struct{}

func (gobCodec) Name() string { return codecName }

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
