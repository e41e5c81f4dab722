package node

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content subtype of every transaction RPC.
const codecName = "disttx"

// message is implemented by every request and response type in package txn.
type message interface {
	MarshalWire() ([]byte, error)
	UnmarshalWire([]byte) error
}

type wireCodec struct{}

func (wireCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(message)
	if !ok {
		return nil, fmt.Errorf("disttx codec: cannot marshal %T", v)
	}
	return m.MarshalWire()
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(message)
	if !ok {
		return fmt.Errorf("disttx codec: cannot unmarshal into %T", v)
	}
	return m.UnmarshalWire(data)
}

func (wireCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(wireCodec{})
}
