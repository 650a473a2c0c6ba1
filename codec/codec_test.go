package codec

import (
	"testing"
)

type record struct {
	ServiceName string            `json:"service_name"`
	InstanceID  string            `json:"instance_id"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func TestJSONCodec(t *testing.T) {
	jsonCodec := Default

	original := &record{
		ServiceName: "orders",
		InstanceID:  "01HZX",
		Metadata:    map[string]string{"weight": "10"},
	}

	data, err := jsonCodec.Encode(original)
	if err != nil {
		t.Fatalf("JSONCodec Encode failed: %v", err)
	}
	if string(data) != `{"service_name":"orders","instance_id":"01HZX","metadata":{"weight":"10"}}` {
		t.Fatalf("unexpected encoding: %s", data)
	}

	var decoded record
	if err := jsonCodec.Decode(data, &decoded); err != nil {
		t.Fatalf("JSONCodec Decode failed: %v", err)
	}
	if decoded.InstanceID != original.InstanceID || decoded.Metadata["weight"] != "10" {
		t.Errorf("decoded mismatch: got %+v", decoded)
	}
}

func TestJSONCodecDecodeError(t *testing.T) {
	var decoded record
	if err := Default.Decode([]byte(`{"service_name":`), &decoded); err == nil {
		t.Fatal("expect error for truncated input")
	}
}
