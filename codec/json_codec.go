package codec

import (
	"github.com/bytedance/sonic"
)

var jsonAPI = sonic.ConfigStd

// JSONCodec encodes with sonic using the encoding/json compatible config,
// so struct tags and map key ordering behave like the standard library.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return jsonAPI.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return jsonAPI.Unmarshal(data, v)
}
