// ABOUTME: gRPC codec encoding control messages as CBOR
// ABOUTME: Registered under the "cbor" content subtype

package control

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype of the control protocol.
const CodecName = "cbor"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("control: cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels: 16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("control: cbor decoder: %v", err))
	}
	encoding.RegisterCodec(codec{})
}

type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func (codec) Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

func (codec) Name() string {
	return CodecName
}
