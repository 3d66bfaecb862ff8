// Package torrentmeta derives the content hash identifying a torrent from a
// magnet URI or a fetched .torrent payload. The hash is the SHA-1 of the
// canonically re-encoded `info` dictionary, which is why the bencode encoder's
// sorted-key guarantee matters.
package torrentmeta

import (
	"crypto/sha1"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/mpetrun5/bookgrab/internal/bencode"
)

// Info describes a resolved torrent.
type Info struct {
	// Hash is the 40-character lowercase hex content hash.
	Hash string

	// Raw holds the .torrent bytes when the metadata was fetched; nil for
	// magnets.
	Raw []byte

	// Magnet is the magnet-form URI when known.
	Magnet string
}

// ParseError reports torrent metadata that could not be understood.
type ParseError struct {
	Input string
	Msg   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("torrent metadata: %s (%s)", e.Msg, e.Input)
}

var hexHash = regexp.MustCompile(`^[0-9a-fA-F]{40}$`)

// IsMagnet reports whether s is a magnet URI.
func IsMagnet(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(strings.ToLower(s)), "magnet:")
}

// FromMagnet extracts the content hash from a magnet URI. A 32-character
// base32 hash is decoded to its 40-character hex form; a 40-character hex
// hash is used as-is. The hash is case-normalized to lowercase.
func FromMagnet(uri string) (*Info, error) {
	u, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return nil, &ParseError{Input: uri, Msg: "not a valid URI"}
	}

	if u.Scheme != "magnet" {
		return nil, &ParseError{Input: uri, Msg: "not a magnet URI"}
	}

	for _, xt := range u.Query()["xt"] {
		const prefix = "urn:btih:"
		if !strings.HasPrefix(strings.ToLower(xt), prefix) {
			continue
		}

		raw := xt[len(prefix):]

		hash, err := normalizeHash(raw)
		if err != nil {
			return nil, &ParseError{Input: uri, Msg: err.Error()}
		}

		return &Info{Hash: hash, Magnet: uri}, nil
	}

	return nil, &ParseError{Input: uri, Msg: "no btih exact-topic parameter"}
}

func normalizeHash(raw string) (string, error) {
	switch len(raw) {
	case 40:
		if !hexHash.MatchString(raw) {
			return "", fmt.Errorf("40-character hash is not hex")
		}

		return strings.ToLower(raw), nil
	case 32:
		decoded, err := base32.StdEncoding.DecodeString(strings.ToUpper(raw))
		if err != nil {
			return "", fmt.Errorf("32-character hash is not base32: %v", err)
		}

		return hex.EncodeToString(decoded), nil
	default:
		return "", fmt.Errorf("hash has %d characters, want 32 or 40", len(raw))
	}
}

// FromBytes computes the content hash of a .torrent payload by re-encoding
// its info dictionary.
func FromBytes(payload []byte) (*Info, error) {
	decoded, err := bencode.Decode(payload)
	if err != nil {
		return nil, &ParseError{Input: "torrent payload", Msg: err.Error()}
	}

	dict, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, &ParseError{Input: "torrent payload", Msg: "top-level value is not a dictionary"}
	}

	info, ok := dict["info"].(map[string]interface{})
	if !ok {
		return nil, &ParseError{Input: "torrent payload", Msg: "missing info dictionary"}
	}

	encoded, err := bencode.Encode(info)
	if err != nil {
		return nil, &ParseError{Input: "torrent payload", Msg: err.Error()}
	}

	sum := sha1.Sum(encoded)

	return &Info{Hash: hex.EncodeToString(sum[:]), Raw: payload}, nil
}

// MagnetFor builds a minimal magnet URI for a known content hash.
func MagnetFor(hash, name string) string {
	m := "magnet:?xt=urn:btih:" + strings.ToLower(hash)
	if name != "" {
		m += "&dn=" + url.QueryEscape(name)
	}

	return m
}
