package types

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Normalize converts v into the closed set of value types rows may hold:
// nil, bool, int64, float64, string, []interface{} and map[string]interface{}.
func Normalize(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return val, nil
	case string:
		return val, nil
	case int64:
		return val, nil
	case int:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case uint8:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint:
		return normalizeUint(uint64(val)), nil
	case uint64:
		return normalizeUint(val), nil
	case float32:
		return float64(val), nil
	case float64:
		return val, nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
		}
		return f, nil
	case []byte:
		return string(val), nil
	case Row:
		return normalizeMap(val.Map())
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			nv, err := Normalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case map[string]interface{}:
		return normalizeMap(val)
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(val))
		for k, item := range val {
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("%w: map key of type %T", ErrUnsupportedValue, k)
			}
			m[key] = item
		}
		return normalizeMap(m)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			nv, err := Normalize(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("%w: map key of type %s", ErrUnsupportedValue, rv.Type().Key())
		}
		m := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return normalizeMap(m)
	case reflect.Ptr:
		if rv.IsNil() {
			return nil, nil
		}
		return Normalize(rv.Elem().Interface())
	case reflect.String:
		return rv.String(), nil
	}

	return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
}

func normalizeUint(u uint64) interface{} {
	if u > math.MaxInt64 {
		return float64(u)
	}
	return int64(u)
}

func normalizeMap(m map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(m))
	for k, item := range m {
		nv, err := Normalize(item)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// ToFloat converts a numeric value to float64.
func ToFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int64:
		return float64(val), true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	}
	return 0, false
}

// kindRank orders values of different types: nil < bool < number < string < list < map.
func kindRank(v interface{}) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int64, float64, int, int32, float32:
		return 2
	case string:
		return 3
	case []interface{}:
		return 4
	default:
		return 5
	}
}

// Compare orders two normalized values. Numbers compare across int64 and float64.
func Compare(a, b interface{}) int {
	ra, rb := kindRank(a), kindRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}

	switch av := a.(type) {
	case nil:
		return 0
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case string:
		return strings.Compare(av, b.(string))
	case []interface{}:
		bv := b.([]interface{})
		for i := 0; i < len(av) && i < len(bv); i++ {
			if c := Compare(av[i], bv[i]); c != 0 {
				return c
			}
		}
		switch {
		case len(av) < len(bv):
			return -1
		case len(av) > len(bv):
			return 1
		}
		return 0
	}

	if ai, ok := a.(int64); ok {
		if bi, ok := b.(int64); ok {
			switch {
			case ai < bi:
				return -1
			case ai > bi:
				return 1
			}
			return 0
		}
	}
	if fa, aOk := ToFloat(a); aOk {
		if fb, bOk := ToFloat(b); bOk {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}

	return strings.Compare(KeyString(a), KeyString(b))
}

// Equal reports whether two normalized values compare equal.
func Equal(a, b interface{}) bool {
	return kindRank(a) == kindRank(b) && Compare(a, b) == 0
}

// KeyString renders a normalized value as a canonical string used in index keys.
// Integral floats render like integers so that 3 and 3.0 share a key.
func KeyString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(val)
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'g', -1, 64)
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var sb strings.Builder
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Quote(k))
			sb.WriteByte(':')
			sb.WriteString(KeyString(val[k]))
		}
		sb.WriteByte('}')
		return sb.String()
	case []interface{}:
		var sb strings.Builder
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(KeyString(item))
		}
		sb.WriteByte(']')
		return sb.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// indexEscaper keeps top-level string parts free of the composite key separator.
var indexEscaper = strings.NewReplacer(`\`, `\\`, "\x1f", `\u001f`)

// IndexKey renders a normalized value as one part of an index key. Values of
// different types never share a key, except that integral floats match ints.
// String parts never contain the byte 0x1f.
func IndexKey(v interface{}) string {
	var sb strings.Builder
	writeIndexKey(&sb, v, false)
	return sb.String()
}

func writeIndexKey(sb *strings.Builder, v interface{}, nested bool) {
	switch val := v.(type) {
	case nil:
		sb.WriteString("z")
	case bool:
		sb.WriteString("b:")
		sb.WriteString(strconv.FormatBool(val))
	case int64, float64, int, int32, float32:
		sb.WriteString("n:")
		sb.WriteString(KeyString(normalizeNumber(val)))
	case string:
		sb.WriteString("s:")
		if nested {
			sb.WriteString(strconv.Quote(val))
		} else {
			sb.WriteString(indexEscaper.Replace(val))
		}
	case []interface{}:
		sb.WriteString("l:[")
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeIndexKey(sb, item, true)
		}
		sb.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("m:{")
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Quote(k))
			sb.WriteByte(':')
			writeIndexKey(sb, val[k], true)
		}
		sb.WriteByte('}')
	default:
		sb.WriteString("?:")
		sb.WriteString(strconv.Quote(fmt.Sprintf("%v", v)))
	}
}

func normalizeNumber(v interface{}) interface{} {
	if f, ok := v.(float64); ok {
		return f
	}
	if i, ok := v.(int64); ok {
		return i
	}
	f, _ := ToFloat(v)
	return f
}
