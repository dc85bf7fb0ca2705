package envelope

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"

	errspkg "github.com/drblury/simbus/internal/runtime/errors"
	"github.com/drblury/simbus/internal/runtime/jsoncodec"
)

// maxExactInt is the largest integer a float64 holds without loss.
const maxExactInt = 1 << 53

// PayloadOf reduces a domain value, typically a struct with json tags, to a
// plain Payload. It is the helper producers use before handing values to a
// Publisher or Requester.
func PayloadOf(v any) (Payload, error) {
	if p, ok := v.(map[string]any); ok {
		return normalizePayload(p)
	}
	data, err := jsoncodec.Marshal(v)
	if err != nil {
		return nil, &errspkg.SerializationError{Path: "payload", Err: err}
	}
	obj, err := jsoncodec.UnmarshalObject(data)
	if err != nil {
		return nil, &errspkg.SerializationError{Path: "payload", Err: err}
	}
	return obj, nil
}

// DecodePayload is the inverse of PayloadOf: it fills v, usually a pointer to
// a struct with json tags, from p.
func DecodePayload(p Payload, v any) error {
	data, err := jsoncodec.Marshal(p)
	if err != nil {
		return &errspkg.SerializationError{Path: "payload", Err: err}
	}
	if err := jsoncodec.Unmarshal(data, v); err != nil {
		return &errspkg.DecodeError{Err: err}
	}
	return nil
}

func normalizePayload(p Payload) (Payload, error) {
	if p == nil {
		return Payload{}, nil
	}
	out, err := normalize(p, "payload")
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

// normalize converts v into the plain value space shared by both body formats
// and names the first unsupported value by its path.
func normalize(v any, path string) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return x, nil
	case float64:
		return checkFloat(x, path)
	case float32:
		return checkFloat(float64(x), path)
	case int:
		return checkInt(int64(x), path)
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return checkInt(x, path)
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint:
		return checkUint(uint64(x), path)
	case uint64:
		return checkUint(x, path)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, &errspkg.SerializationError{Path: path, Err: err}
		}
		return checkFloat(f, path)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			n, err := normalize(item, path+"["+strconv.Itoa(i)+"]")
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			n, err := normalize(item, path+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	}
	return normalizeReflect(reflect.ValueOf(v), path)
}

// normalizeReflect covers typed slices and string-keyed maps such as
// []float64 or map[string]string.
func normalizeReflect(rv reflect.Value, path string) (any, error) {
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			break
		}
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		out := make([]any, rv.Len())
		for i := range rv.Len() {
			n, err := normalize(rv.Index(i).Interface(), path+"["+strconv.Itoa(i)+"]")
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			n, err := normalize(iter.Value().Interface(), path+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Float32, reflect.Float64:
		return checkFloat(rv.Float(), path)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return checkInt(rv.Int(), path)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return checkUint(rv.Uint(), path)
	}
	return nil, &errspkg.SerializationError{Path: path, Err: fmt.Errorf("unsupported type %s", rv.Type())}
}

func checkFloat(f float64, path string) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, &errspkg.SerializationError{Path: path, Err: fmt.Errorf("non-finite number %v", f)}
	}
	return f, nil
}

func checkInt(n int64, path string) (any, error) {
	if n > maxExactInt || n < -maxExactInt {
		return nil, &errspkg.SerializationError{Path: path, Err: fmt.Errorf("integer %d exceeds float64 precision", n)}
	}
	return float64(n), nil
}

func checkUint(n uint64, path string) (any, error) {
	if n > maxExactInt {
		return nil, &errspkg.SerializationError{Path: path, Err: fmt.Errorf("integer %d exceeds float64 precision", n)}
	}
	return float64(n), nil
}
