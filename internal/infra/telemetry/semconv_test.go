package telemetry

import (
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestDispatchAttributes(t *testing.T) {
	attrs := DispatchAttributes("prod", true, ResultRecorded)
	set := attribute.NewSet(attrs...)
	if v, ok := set.Value(AttrReconfig); !ok || v.AsString() != "true" {
		t.Fatalf("expected reconfig=true, got %v", v)
	}
	if v, ok := set.Value(AttrResult); !ok || v.AsString() != ResultRecorded {
		t.Fatalf("expected result attribute, got %v", v)
	}
}

func TestContextAttributesOmitEmptyContext(t *testing.T) {
	if got := len(ContextAttributes("dev", "")); got != 1 {
		t.Fatalf("expected only environment attribute, got %d", got)
	}
	attrs := ParseFailureAttributes("dev", "ns1", "settle")
	set := attribute.NewSet(attrs...)
	if v, ok := set.Value(AttrField); !ok || v.AsString() != "settle" {
		t.Fatalf("expected field=settle, got %v", v)
	}
	if v, ok := set.Value(AttrContext); !ok || v.AsString() != "ns1" {
		t.Fatalf("expected context.id=ns1, got %v", v)
	}
}
