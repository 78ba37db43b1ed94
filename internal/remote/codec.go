package remote

import "github.com/forgebuild/forge/internal/forgeerr"

// binaryMessage is implemented by every wire request/response type in
// this package.
type binaryMessage interface {
	MarshalBinary() ([]byte, error)
	UnmarshalBinary([]byte) error
}

// codecName is registered with grpc as the content subtype for every
// call this package makes, in place of protobuf.
const codecName = "forge-binary"

// binaryCodec implements grpc's encoding.Codec over binaryMessage,
// letting the remote tier use gRPC purely as a transport without
// pulling in protobuf generated stubs.
type binaryCodec struct{}

func (binaryCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(binaryMessage)
	if !ok {
		return nil, forgeerr.Wrap("remote: codec: %T does not implement binaryMessage", v)
	}
	return m.MarshalBinary()
}

func (binaryCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(binaryMessage)
	if !ok {
		return forgeerr.Wrap("remote: codec: %T does not implement binaryMessage", v)
	}
	return m.UnmarshalBinary(data)
}

func (binaryCodec) Name() string { return codecName }
