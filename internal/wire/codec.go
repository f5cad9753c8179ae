// ABOUTME: CBOR codec plugged into gRPC in place of protobuf marshaling.
// ABOUTME: Lets the hand-written service descriptor carry plain Go structs.

package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CodecName is the gRPC content-subtype for the CBOR codec.
const CodecName = "cbor"

// Codec implements grpc/encoding.Codec over CBOR. The gateway installs it
// with grpc.ForceServerCodec; clients with grpc.ForceCodec. Core-deterministic
// encoding keeps frames byte-stable for tests.
type Codec struct{}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: building cbor encode mode: %v", err))
	}
}

// Marshal encodes v as CBOR.
func (Codec) Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func (Codec) Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

// Name returns the codec name registered with gRPC.
func (Codec) Name() string {
	return CodecName
}
