package docstore

import (
	"fmt"
	"reflect"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Encode converts a bson-tagged struct or a map into plain document fields.
func Encode(v any) (map[string]any, error) {
	if m, ok := v.(map[string]any); ok {
		return Normalize(m).(map[string]any), nil
	}
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("docstore: encode: %w", err)
	}
	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("docstore: encode: %w", err)
	}
	out, _ := Normalize(m).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// Decode fills out from document fields using bson struct tags.
func Decode(data map[string]any, out any) error {
	if data == nil {
		data = map[string]any{}
	}
	raw, err := bson.Marshal(data)
	if err != nil {
		return fmt.Errorf("docstore: decode: %w", err)
	}
	if err := bson.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("docstore: decode: %w", err)
	}
	return nil
}

// Normalize returns a deep copy of v using only map[string]any, []any,
// int64, float64, string, bool and nil. Adapters store and compare values in
// this form.
func Normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = Normalize(x)
		}
		return out
	case primitive.M:
		return Normalize(map[string]any(t))
	case primitive.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = Normalize(e.Value)
		}
		return out
	case primitive.A:
		return Normalize([]any(t))
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = Normalize(x)
		}
		return out
	case string, bool, int64, float64:
		return t
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case int16:
		return int64(t)
	case int8:
		return int64(t)
	case uint32:
		return int64(t)
	case uint16:
		return int64(t)
	case uint8:
		return int64(t)
	case float32:
		return float64(t)
	case primitive.DateTime:
		return int64(t)
	case time.Time:
		return t.UnixMilli()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = Normalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = Normalize(iter.Value().Interface())
		}
		return out
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return Normalize(rv.Elem().Interface())
	case reflect.String:
		return rv.String()
	}
	return v
}
