package sgrpc

import (
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/proto"
)

func init() {
	encoding.RegisterCodec(rawCodec{})
}

// Dial creates a lazily connecting client. Payloads are passed through as raw
// bytes, so participants can be served by any proto service definition.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)
	return grpc.Dial(target, opts...)
}

// rawCodec replaces the default proto codec, []byte values bypass marshalling.
type rawCodec struct {
}

func (c rawCodec) Name() string {
	return "proto"
}

func (c rawCodec) Marshal(v interface{}) ([]byte, error) {
	switch vv := v.(type) {
	case []byte:
		return vv, nil
	case *[]byte:
		return *vv, nil
	case proto.Message:
		return proto.Marshal(vv)
	}
	return nil, fmt.Errorf("raw codec : unsupported type %T", v)
}

func (c rawCodec) Unmarshal(data []byte, v interface{}) error {
	switch vv := v.(type) {
	case *[]byte:
		*vv = append((*vv)[:0], data...)
		return nil
	case proto.Message:
		return proto.Unmarshal(data, vv)
	}
	return fmt.Errorf("raw codec : unsupported type %T", v)
}
