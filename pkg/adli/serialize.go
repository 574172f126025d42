package adli

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"unicode/utf8"
)

var (
	errorType    = reflect.TypeOf((*error)(nil)).Elem()
	stringerType = reflect.TypeOf((*fmt.Stringer)(nil)).Elem()
)

// serializer converts arbitrary values into JSON-compatible trees.
// seen holds the addresses on the current path so shared values are not
// mistaken for cycles.
type serializer struct {
	maxDepth int
	seen     map[uintptr]bool
}

// Serialize walks v up to maxDepth container levels. Containers below the
// bound are replaced by MaxDepthSentinel. A panic raised while walking
// (e.g. from a String method) is returned as an error.
func Serialize(v any, maxDepth int) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("serialization panicked: %v", r)
		}
	}()

	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	s := &serializer{maxDepth: maxDepth, seen: make(map[uintptr]bool)}
	return s.walk(reflect.ValueOf(v), 0), nil
}

// encodeValue returns the JSON encoding of v and, when serialization failed,
// the error that forced the text fallback.
func encodeValue(v any, maxDepth int) ([]byte, error) {
	tree, err := Serialize(v, maxDepth)
	if err != nil {
		return marshalText(displayText(v)), err
	}
	data, merr := json.Marshal(tree)
	if merr != nil {
		return marshalText(displayText(v)), merr
	}
	return data, nil
}

func marshalText(s string) []byte {
	data, err := json.Marshal(s)
	if err != nil {
		return []byte(`"` + Unprintable + `"`)
	}
	return data
}

// displayText is the last-resort rendering. fmt already recovers panics from
// String and Error methods; the recover here covers anything else.
func displayText(v any) (s string) {
	defer func() {
		if r := recover(); r != nil {
			s = Unprintable
		}
	}()
	return fmt.Sprintf("%v", v)
}

func (s *serializer) walk(rv reflect.Value, depth int) any {
	if !rv.IsValid() {
		return nil
	}

	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		if rv.IsNil() {
			return nil
		}
	}

	if text, ok := textOf(rv); ok {
		return text
	}

	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return strconv.FormatFloat(f, 'g', -1, 64)
		}
		return f
	case reflect.Complex64, reflect.Complex128:
		return strconv.FormatComplex(rv.Complex(), 'g', -1, 128)
	case reflect.String:
		return rv.String()
	case reflect.Interface:
		return s.walk(rv.Elem(), depth)
	case reflect.Pointer:
		ptr := rv.Pointer()
		if s.seen[ptr] {
			return CycleSentinel
		}
		s.seen[ptr] = true
		defer delete(s.seen, ptr)
		return s.walk(rv.Elem(), depth)
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return formatBytes(rv.Bytes())
		}
		ptr := rv.Pointer()
		if s.seen[ptr] {
			return CycleSentinel
		}
		s.seen[ptr] = true
		defer delete(s.seen, ptr)
		return s.sequence(rv, depth)
	case reflect.Array:
		return s.sequence(rv, depth)
	case reflect.Map:
		ptr := rv.Pointer()
		if s.seen[ptr] {
			return CycleSentinel
		}
		s.seen[ptr] = true
		defer delete(s.seen, ptr)
		return s.mapping(rv, depth)
	case reflect.Struct:
		return s.structure(rv, depth)
	default:
		// chan, func, unsafe pointer
		return "<" + rv.Type().String() + ">"
	}
}

func (s *serializer) sequence(rv reflect.Value, depth int) any {
	if depth >= s.maxDepth {
		return MaxDepthSentinel
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = s.walk(rv.Index(i), depth+1)
	}
	return out
}

func (s *serializer) mapping(rv reflect.Value, depth int) any {
	if depth >= s.maxDepth {
		return MaxDepthSentinel
	}
	keys := rv.MapKeys()
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = keyText(k)
	}
	order := make([]int, len(keys))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return names[order[a]] < names[order[b]] })

	out := make(map[string]any, len(keys))
	for _, i := range order {
		out[names[i]] = s.walk(rv.MapIndex(keys[i]), depth+1)
	}
	return out
}

// structure recurses over exported fields only; unexported state cannot be
// read through Interface and is usually an implementation detail.
func (s *serializer) structure(rv reflect.Value, depth int) any {
	rt := rv.Type()
	exported := 0
	for i := 0; i < rt.NumField(); i++ {
		if rt.Field(i).IsExported() {
			exported++
		}
	}
	if exported == 0 {
		if rv.CanInterface() {
			if st, ok := rv.Interface().(fmt.Stringer); ok {
				return st.String()
			}
		}
		if rv.CanAddr() && rv.Addr().CanInterface() {
			if st, ok := rv.Addr().Interface().(fmt.Stringer); ok {
				return st.String()
			}
		}
		return rt.String() + "{}"
	}
	if depth >= s.maxDepth {
		return MaxDepthSentinel
	}

	out := make(map[string]any, exported)
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}
		out[f.Name] = s.walk(rv.Field(i), depth+1)
	}
	return out
}

// textOf renders errors as their message. Stringers are only used for
// structs without exported fields (see structure) so data types keep their shape.
func textOf(rv reflect.Value) (string, bool) {
	if !rv.CanInterface() || !rv.Type().Implements(errorType) {
		return "", false
	}
	if rv.Kind() == reflect.Interface {
		return "", false
	}
	err, ok := rv.Interface().(error)
	if !ok {
		return "", false
	}
	return err.Error(), true
}

func keyText(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	if k.CanInterface() && k.Type().Implements(stringerType) {
		if st, ok := k.Interface().(fmt.Stringer); ok {
			return st.String()
		}
	}
	return displayText(k.Interface())
}

// formatBytes keeps readable payloads as text and previews binary ones.
func formatBytes(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	previewLen := 8
	if len(b) < previewLen {
		previewLen = len(b)
	}
	preview := make([]byte, 0, 16+previewLen*2)
	preview = append(preview, "len:"...)
	preview = strconv.AppendInt(preview, int64(len(b)), 10)
	preview = append(preview, ",hex:"...)
	for i := 0; i < previewLen; i++ {
		preview = append(preview, hexDigit(b[i]>>4), hexDigit(b[i]&0xf))
	}
	if len(b) > previewLen {
		preview = append(preview, '.', '.')
	}
	return string(preview)
}

func hexDigit(b byte) byte {
	if b < 10 {
		return '0' + b
	}
	return 'a' + b - 10
}
