// Package bencode implements the BitTorrent serialization format: integers,
// byte strings, lists and dictionaries. The encoder always emits dictionary
// keys in sorted byte order, so re-encoding a decoded dictionary reproduces
// the canonical bytes. That guarantee is what makes info hashes computed from
// re-encoded `info` dictionaries correct.
package bencode

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
)

// Decoded values map to Go types as follows:
//
//	integer     -> int64
//	byte string -> string
//	list        -> []interface{}
//	dictionary  -> map[string]interface{}

// SyntaxError reports malformed bencode input.
type SyntaxError struct {
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("bencode: %s at offset %d", e.Msg, e.Offset)
}

// Decode parses a single bencode value and requires the input to be fully
// consumed.
func Decode(data []byte) (interface{}, error) {
	d := &decoder{data: data}

	v, err := d.value()
	if err != nil {
		return nil, err
	}

	if d.pos != len(d.data) {
		return nil, &SyntaxError{Offset: d.pos, Msg: "trailing data after value"}
	}

	return v, nil
}

type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) value() (interface{}, error) {
	if d.pos >= len(d.data) {
		return nil, &SyntaxError{Offset: d.pos, Msg: "unexpected end of input"}
	}

	switch c := d.data[d.pos]; {
	case c == 'i':
		return d.integer()
	case c == 'l':
		return d.list()
	case c == 'd':
		return d.dictionary()
	case c >= '0' && c <= '9':
		return d.byteString()
	default:
		return nil, &SyntaxError{Offset: d.pos, Msg: fmt.Sprintf("unexpected byte %q", c)}
	}
}

func (d *decoder) integer() (int64, error) {
	start := d.pos
	d.pos++ // consume 'i'

	end := bytes.IndexByte(d.data[d.pos:], 'e')
	if end < 0 {
		return 0, &SyntaxError{Offset: start, Msg: "unterminated integer"}
	}

	raw := string(d.data[d.pos : d.pos+end])
	if raw == "" || raw == "-" {
		return 0, &SyntaxError{Offset: start, Msg: "empty integer"}
	}

	// Leading zeros and negative zero are invalid per the format.
	if raw != "0" && (raw[0] == '0' || (raw[0] == '-' && raw[1] == '0')) {
		return 0, &SyntaxError{Offset: start, Msg: "integer with leading zero"}
	}

	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, &SyntaxError{Offset: start, Msg: "invalid integer: " + raw}
	}

	d.pos += end + 1

	return n, nil
}

func (d *decoder) byteString() (string, error) {
	start := d.pos

	colon := bytes.IndexByte(d.data[d.pos:], ':')
	if colon < 0 {
		return "", &SyntaxError{Offset: start, Msg: "unterminated string length"}
	}

	length, err := strconv.Atoi(string(d.data[d.pos : d.pos+colon]))
	if err != nil || length < 0 {
		return "", &SyntaxError{Offset: start, Msg: "invalid string length"}
	}

	d.pos += colon + 1
	if d.pos+length > len(d.data) {
		return "", &SyntaxError{Offset: start, Msg: "string extends past end of input"}
	}

	s := string(d.data[d.pos : d.pos+length])
	d.pos += length

	return s, nil
}

func (d *decoder) list() ([]interface{}, error) {
	d.pos++ // consume 'l'

	list := make([]interface{}, 0)

	for {
		if d.pos >= len(d.data) {
			return nil, &SyntaxError{Offset: d.pos, Msg: "unterminated list"}
		}

		if d.data[d.pos] == 'e' {
			d.pos++

			return list, nil
		}

		v, err := d.value()
		if err != nil {
			return nil, err
		}

		list = append(list, v)
	}
}

func (d *decoder) dictionary() (map[string]interface{}, error) {
	d.pos++ // consume 'd'

	dict := make(map[string]interface{})

	for {
		if d.pos >= len(d.data) {
			return nil, &SyntaxError{Offset: d.pos, Msg: "unterminated dictionary"}
		}

		if d.data[d.pos] == 'e' {
			d.pos++

			return dict, nil
		}

		key, err := d.byteString()
		if err != nil {
			return nil, err
		}

		v, err := d.value()
		if err != nil {
			return nil, err
		}

		dict[key] = v
	}
}

// Encode serializes a value to bencode. Dictionary keys are emitted in sorted
// byte order regardless of map iteration order. Supported types are the ones
// Decode produces, plus the smaller integer kinds, []byte and
// map[string]string for convenience.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case int64:
		encodeInt(buf, val)
	case int:
		encodeInt(buf, int64(val))
	case int32:
		encodeInt(buf, int64(val))
	case uint32:
		encodeInt(buf, int64(val))
	case string:
		encodeString(buf, val)
	case []byte:
		encodeString(buf, string(val))
	case []interface{}:
		buf.WriteByte('l')

		for _, item := range val {
			if err := encodeValue(buf, item); err != nil {
				return err
			}
		}

		buf.WriteByte('e')
	case map[string]interface{}:
		return encodeDict(buf, val)
	case map[string]string:
		m := make(map[string]interface{}, len(val))
		for k, s := range val {
			m[k] = s
		}

		return encodeDict(buf, m)
	default:
		return fmt.Errorf("bencode: unsupported type %T", v)
	}

	return nil
}

func encodeInt(buf *bytes.Buffer, n int64) {
	buf.WriteByte('i')
	buf.WriteString(strconv.FormatInt(n, 10))
	buf.WriteByte('e')
}

func encodeString(buf *bytes.Buffer, s string) {
	buf.WriteString(strconv.Itoa(len(s)))
	buf.WriteByte(':')
	buf.WriteString(s)
}

func encodeDict(buf *bytes.Buffer, dict map[string]interface{}) error {
	keys := make([]string, 0, len(dict))
	for k := range dict {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	buf.WriteByte('d')

	for _, k := range keys {
		encodeString(buf, k)

		if err := encodeValue(buf, dict[k]); err != nil {
			return err
		}
	}

	buf.WriteByte('e')

	return nil
}
