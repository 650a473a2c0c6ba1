package message

import (
	"testing"
)

func TestCloneIsolatesMetadata(t *testing.T) {
	req := NewQuery("orders.get", []byte(`{"id":1}`))
	req.Metadata["x-request-id"] = "abc"

	c := req.Clone()
	c.Metadata["x-request-id"] = "def"
	c.Subject = "alice"

	if req.Get("x-request-id") != "abc" {
		t.Fatalf("original metadata modified: %v", req.Metadata)
	}
	if req.Subject != "" {
		t.Fatalf("original subject modified: %q", req.Subject)
	}
	if c.Kind != Query || c.Type != "orders.get" {
		t.Fatalf("clone lost routing fields: %+v", c)
	}
}

func TestKindString(t *testing.T) {
	if Command.String() != "command" || Query.String() != "query" || Kind(0).String() != "unknown" {
		t.Fatal("unexpected kind names")
	}
	var r Request
	if r.Get("missing") != "" {
		t.Fatal("expect empty value on nil metadata")
	}
	if r.Clone().Metadata == nil {
		t.Fatal("clone must allocate metadata")
	}
}
