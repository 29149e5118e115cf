package xjson

import (
	"encoding/json"
	"testing"
)

func TestUnmarshalNumbers_KeepsNumbersExact(t *testing.T) {
	v, err := UnmarshalNumbers([]byte(`{"score": 72, "big": 9007199254740993, "list": [1.5]}`))
	if err != nil {
		t.Fatalf("UnmarshalNumbers: %v", err)
	}
	m := v.(map[string]any)
	if got, ok := m["score"].(json.Number); !ok || got.String() != "72" {
		t.Fatalf("score: got %#v", m["score"])
	}
	if got := m["big"].(json.Number).String(); got != "9007199254740993" {
		t.Fatalf("big: got %s", got)
	}
	if got := m["list"].([]any)[0].(json.Number).String(); got != "1.5" {
		t.Fatalf("list: got %s", got)
	}
}

func TestUnmarshalNumbers_RejectsTrailingValues(t *testing.T) {
	if _, err := UnmarshalNumbers([]byte(`{} {}`)); err == nil {
		t.Fatal("expected an error for two top-level values")
	}
	if _, err := UnmarshalNumbers([]byte(`{`)); err == nil {
		t.Fatal("expected an error for truncated input")
	}
}
