// Package codec encodes payloads and backend values.
//
// Request payloads, handler results and the instance records stored in the
// coordination backends all go through a Codec, so the encoding can be swapped
// in one place.
package codec

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// Default is the codec used when none is configured.
var Default Codec = &JSONCodec{}
