package schemas

import (
	"fmt"
	"reflect"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/mapstructure"

	"github.com/Kimchiigu/PHiscord/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type validator interface {
	Validate() error
}

// timeHook parses the RFC 3339 strings times are stored as. An empty string is
// the zero time.
func timeHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Time{}) || from.Kind() != reflect.String {
		return data, nil
	}
	s := data.(string)
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// Decode converts document fields into a typed record and validates it. Missing
// optional fields take zero values; unknown fields are ignored.
func Decode(fields store.Fields, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: timeHook,
		TagName:    "json",
		Result:     out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(map[string]any(fields)); err != nil {
		return fmt.Errorf("error decoding record: %w", err)
	}
	if v, ok := out.(validator); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ToFields converts a typed record into document fields.
func ToFields(v any) (store.Fields, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return store.Decode(b)
}
