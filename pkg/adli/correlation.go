package adli

import (
	"bytes"
	"encoding/json"
	"math"
	"reflect"
)

// reserved token keys
const (
	TokenExecutionIDKey    = "adli_execution_id"
	TokenExecutionIndexKey = "adli_execution_index"
	TokenValueKey          = "adli_value"
)

// Token wraps a value leaving the process so that the consumer can link its
// input event back to the producer's output event.
type Token struct {
	ExecutionID    string `json:"adli_execution_id"`
	ExecutionIndex uint64 `json:"adli_execution_index"`
	Value          any    `json:"adli_value"`
}

// String returns the JSON form of the token, or "" when the payload cannot be encoded.
func (t Token) String() string {
	data, err := json.Marshal(t)
	if err != nil {
		return ""
	}
	return string(data)
}

// IsToken reports whether v is structurally a correlation token.
func IsToken(v any) bool {
	_, ok := detectToken(v)
	return ok
}

// detectToken recognizes tokens by shape, never by origin.
func detectToken(v any) (Token, bool) {
	switch x := v.(type) {
	case nil:
		return Token{}, false
	case Token:
		return x, true
	case *Token:
		if x == nil {
			return Token{}, false
		}
		return *x, true
	case map[string]any:
		return tokenFromMap(x)
	case string:
		return tokenFromJSON([]byte(x))
	case []byte:
		return tokenFromJSON(x)
	case json.RawMessage:
		return tokenFromJSON(x)
	}
	return Token{}, false
}

func tokenFromJSON(data []byte) (Token, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) < 2 || trimmed[0] != '{' || !bytes.Contains(trimmed, []byte(TokenExecutionIDKey)) {
		return Token{}, false
	}
	var m map[string]any
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return Token{}, false
	}
	return tokenFromMap(m)
}

func tokenFromMap(m map[string]any) (Token, bool) {
	if len(m) != 3 {
		return Token{}, false
	}
	id, ok := m[TokenExecutionIDKey].(string)
	if !ok {
		return Token{}, false
	}
	index, ok := toUint64(m[TokenExecutionIndexKey])
	if !ok {
		return Token{}, false
	}
	value, ok := m[TokenValueKey]
	if !ok {
		return Token{}, false
	}
	return Token{ExecutionID: id, ExecutionIndex: index, Value: value}, true
}

func toUint64(v any) (uint64, bool) {
	if v == nil {
		return 0, false
	}
	if n, ok := v.(json.Number); ok {
		i, err := n.Int64()
		if err != nil || i < 0 {
			return 0, false
		}
		return uint64(i), true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if rv.Int() < 0 {
			return 0, false
		}
		return uint64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), true
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f < 0 || f != math.Trunc(f) || f > math.MaxUint64 {
			return 0, false
		}
		return uint64(f), true
	}
	return 0, false
}
