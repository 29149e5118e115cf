package xjson

import (
	"bytes"
	stdjson "encoding/json"
	"errors"
	"io"

	gjson "github.com/goccy/go-json"
)

var errMultipleValues = errors.New("json: multiple top-level values are not allowed")

// Marshal/Unmarshal wrappers keep a single import site for the JSON codec.

func Marshal(v any) ([]byte, error) {
	return gjson.Marshal(v)
}

func MarshalIndent(v any) ([]byte, error) {
	return gjson.MarshalIndent(v, "", "  ")
}

func Unmarshal(data []byte, v any) error {
	return gjson.Unmarshal(data, v)
}

// UnmarshalStrict rejects unknown fields and trailing values.
func UnmarshalStrict(data []byte, v any) error {
	dec := gjson.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return errMultipleValues
		}
		return err
	}
	return nil
}

func NewEncoder(w io.Writer) *gjson.Encoder {
	return gjson.NewEncoder(w)
}

// UnmarshalNumbers decodes data into plain values with numbers kept as
// encoding/json Numbers, the form jsonschema/v5 validates.
func UnmarshalNumbers(data []byte) (any, error) {
	dec := stdjson.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return nil, errMultipleValues
		}
		return nil, err
	}
	return v, nil
}

// NewDecoder returns a decoder that rejects unknown fields.
func NewDecoder(r io.Reader) *gjson.Decoder {
	dec := gjson.NewDecoder(r)
	dec.DisallowUnknownFields()
	return dec
}

// RawMessage is kept compatible with encoding/json's RawMessage type.
type RawMessage = stdjson.RawMessage
