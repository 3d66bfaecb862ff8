package bencode_test

import (
	"testing"

	"github.com/mpetrun5/bookgrab/internal/bencode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  interface{}
	}{
		{"integer", "i42e", int64(42)},
		{"negative integer", "i-7e", int64(-7)},
		{"zero", "i0e", int64(0)},
		{"string", "4:spam", "spam"},
		{"empty string", "0:", ""},
		{"list", "l4:spami42ee", []interface{}{"spam", int64(42)}},
		{"empty list", "le", []interface{}{}},
		{
			"dict",
			"d3:cow3:moo4:spam4:eggse",
			map[string]interface{}{"cow": "moo", "spam": "eggs"},
		},
		{"empty dict", "de", map[string]interface{}{}},
		{
			"nested",
			"d4:infod6:lengthi1024e4:name8:book.pdfee",
			map[string]interface{}{
				"info": map[string]interface{}{
					"length": int64(1024),
					"name":   "book.pdf",
				},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := bencode.Decode([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty input", ""},
		{"unterminated integer", "i42"},
		{"leading zero", "i042e"},
		{"negative zero", "i-0e"},
		{"string too short", "10:abc"},
		{"unterminated list", "l4:spam"},
		{"unterminated dict", "d3:cow3:moo"},
		{"trailing garbage", "i42egarbage"},
		{"bad length", "-4:spam"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := bencode.Decode([]byte(tt.input))
			assert.Error(t, err)
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	values := []interface{}{
		int64(42),
		"hello",
		[]interface{}{int64(1), "two", []interface{}{int64(3)}},
		map[string]interface{}{
			"announce": "http://tracker.example/announce",
			"info": map[string]interface{}{
				"length":       int64(4096),
				"name":         "audiobook.m4b",
				"piece length": int64(16384),
				"pieces":       "aabbccddeeff0011223344556677889900aabbcc",
			},
		},
	}
	for _, v := range values {
		encoded, err := bencode.Encode(v)
		require.NoError(t, err)

		decoded, err := bencode.Decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, v, decoded)
	}
}

// Re-encoding a decoded value must reproduce the original bytes, including
// dictionary key order. Info-hash computation depends on this.
func TestEncode_Canonical(t *testing.T) {
	original := "d3:bar4:spam3:fooi42e4:zazad1:ai1e1:bi2eee"

	decoded, err := bencode.Decode([]byte(original))
	require.NoError(t, err)

	reencoded, err := bencode.Encode(decoded)
	require.NoError(t, err)
	assert.Equal(t, original, string(reencoded))
}

func TestEncode_SortsKeys(t *testing.T) {
	encoded, err := bencode.Encode(map[string]interface{}{
		"zebra": int64(1),
		"apple": int64(2),
		"mango": int64(3),
	})
	require.NoError(t, err)
	assert.Equal(t, "d5:applei2e5:mangoi3e5:zebrai1ee", string(encoded))
}

func TestEncode_UnsupportedType(t *testing.T) {
	_, err := bencode.Encode(3.14)
	assert.Error(t, err)
}
