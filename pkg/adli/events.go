package adli

import "strconv"

// event builds one JSON line. Field names are fixed identifiers and values
// are either escaped here or already valid JSON (Raw).
type event struct {
	index uint64
	buf   []byte
}

func newEvent(kind string, index uint64) *event {
	buf := make([]byte, 0, eventBufferInitialSize)
	buf = append(buf, `{"type":"`...)
	buf = append(buf, kind...)
	buf = append(buf, `","index":`...)
	buf = strconv.AppendUint(buf, index, 10)
	return &event{index: index, buf: buf}
}

func (e *event) key(name string) {
	e.buf = append(e.buf, ',', '"')
	e.buf = append(e.buf, name...)
	e.buf = append(e.buf, '"', ':')
}

func (e *event) Str(name, value string) *event {
	e.key(name)
	e.buf = append(e.buf, '"')
	e.buf = appendEscaped(e.buf, value)
	e.buf = append(e.buf, '"')
	return e
}

func (e *event) Int(name string, value int) *event {
	e.key(name)
	e.buf = strconv.AppendInt(e.buf, int64(value), 10)
	return e
}

func (e *event) Uint(name string, value uint64) *event {
	e.key(name)
	e.buf = strconv.AppendUint(e.buf, value, 10)
	return e
}

func (e *event) Bool(name string, value bool) *event {
	e.key(name)
	e.buf = strconv.AppendBool(e.buf, value)
	return e
}

// Raw appends pre-encoded JSON.
func (e *event) Raw(name string, value []byte) *event {
	e.key(name)
	if len(value) == 0 {
		e.buf = append(e.buf, "null"...)
		return e
	}
	e.buf = append(e.buf, value...)
	return e
}

func (e *event) finish() []byte {
	return append(e.buf, '}', '\n')
}

func appendEscaped(dst []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			dst = append(dst, '\\', '"')
		case '\\':
			dst = append(dst, '\\', '\\')
		case '\n':
			dst = append(dst, '\\', 'n')
		case '\r':
			dst = append(dst, '\\', 'r')
		case '\t':
			dst = append(dst, '\\', 't')
		default:
			if c < 0x20 {
				dst = append(dst, '\\', 'u', '0', '0', hexDigit(c>>4), hexDigit(c&0xf))
			} else {
				dst = append(dst, c)
			}
		}
	}
	return dst
}
