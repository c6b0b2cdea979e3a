package vault

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content subtype carried by vault calls.
const codecName = "json"

// protocolTag marks codec failures so the client can tell them apart from
// other internal errors once they have been flattened into a status message.
const protocolTag = "vault protocol"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec is a strict JSON payload codec: unknown fields and trailing
// data are rejected.
type jsonCodec struct{}

func (jsonCodec) Name() string { return codecName }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal: %w", protocolTag, err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%s: unmarshal: %w", protocolTag, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%s: trailing data after message", protocolTag)
	}
	return nil
}
