package torrentmeta_test

import (
	"context"
	"crypto/sha1"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mpetrun5/bookgrab/internal/bencode"
	"github.com/mpetrun5/bookgrab/internal/torrentmeta"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleHex = "0123456789abcdef0123456789abcdef01234567"

func sampleBase32(t *testing.T) string {
	t.Helper()

	raw, err := hex.DecodeString(sampleHex)
	require.NoError(t, err)

	return base32.StdEncoding.EncodeToString(raw)
}

func TestFromMagnet_HexHash(t *testing.T) {
	info, err := torrentmeta.FromMagnet("magnet:?xt=urn:btih:" + sampleHex + "&dn=Dune")
	require.NoError(t, err)
	assert.Equal(t, sampleHex, info.Hash)
	assert.Nil(t, info.Raw)
}

func TestFromMagnet_UppercaseHexNormalized(t *testing.T) {
	upper := "magnet:?xt=urn:btih:0123456789ABCDEF0123456789ABCDEF01234567"

	info, err := torrentmeta.FromMagnet(upper)
	require.NoError(t, err)
	assert.Equal(t, sampleHex, info.Hash)
}

func TestFromMagnet_Base32Hash(t *testing.T) {
	b32 := sampleBase32(t)
	require.Len(t, b32, 32)

	info, err := torrentmeta.FromMagnet("magnet:?xt=urn:btih:" + b32)
	require.NoError(t, err)
	assert.Len(t, info.Hash, 40)
	assert.Equal(t, sampleHex, info.Hash)
}

func TestFromMagnet_Invalid(t *testing.T) {
	tests := []struct {
		name string
		uri  string
	}{
		{"not magnet", "http://example.com/file.torrent"},
		{"no xt", "magnet:?dn=Dune"},
		{"wrong length", "magnet:?xt=urn:btih:abc123"},
		{"not hex", "magnet:?xt=urn:btih:zzzz456789abcdef0123456789abcdef01234567"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := torrentmeta.FromMagnet(tt.uri)

			var parseErr *torrentmeta.ParseError
			assert.ErrorAs(t, err, &parseErr)
		})
	}
}

func torrentPayload(t *testing.T) ([]byte, string) {
	t.Helper()

	info := map[string]interface{}{
		"length":       int64(2048),
		"name":         "dune.epub",
		"piece length": int64(16384),
		"pieces":       "01234567890123456789",
	}

	payload, err := bencode.Encode(map[string]interface{}{
		"announce": "http://tracker.example/announce",
		"info":     info,
	})
	require.NoError(t, err)

	encodedInfo, err := bencode.Encode(info)
	require.NoError(t, err)

	sum := sha1.Sum(encodedInfo)

	return payload, hex.EncodeToString(sum[:])
}

func TestFromBytes_HashMatchesIndependentComputation(t *testing.T) {
	payload, want := torrentPayload(t)

	info, err := torrentmeta.FromBytes(payload)
	require.NoError(t, err)
	assert.Equal(t, want, info.Hash)
	assert.Equal(t, payload, info.Raw)
}

func TestFromBytes_MissingInfoDict(t *testing.T) {
	payload, err := bencode.Encode(map[string]interface{}{"announce": "x"})
	require.NoError(t, err)

	_, err = torrentmeta.FromBytes(payload)
	assert.Error(t, err)
}

func TestResolver_FetchesTorrentFollowingRedirects(t *testing.T) {
	payload, want := torrentPayload(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final", http.StatusFound)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	r := torrentmeta.NewResolver(nil)

	info, err := r.Resolve(context.Background(), ts.URL+"/start")
	require.NoError(t, err)
	assert.Equal(t, want, info.Hash)
}

func TestResolver_MagnetInRedirect(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "magnet:?xt=urn:btih:"+sampleHex)
		w.WriteHeader(http.StatusMovedPermanently)
	}))
	defer ts.Close()

	r := torrentmeta.NewResolver(nil)

	info, err := r.Resolve(context.Background(), ts.URL)
	require.NoError(t, err)
	assert.Equal(t, sampleHex, info.Hash)
	assert.Nil(t, info.Raw, "a magnet redirect must not be treated as torrent bytes")
}

func TestResolver_MagnetInBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "magnet:?xt=urn:btih:"+sampleHex)
	}))
	defer ts.Close()

	r := torrentmeta.NewResolver(nil)

	info, err := r.Resolve(context.Background(), ts.URL)
	require.NoError(t, err)
	assert.Equal(t, sampleHex, info.Hash)
}

func TestResolver_ReResolveFallback(t *testing.T) {
	payload, want := torrentPayload(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/proxied", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})
	mux.HandleFunc("/original", func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	reResolved := false
	r := torrentmeta.NewResolver(func(ctx context.Context, ref string) (string, error) {
		reResolved = true

		return ts.URL + "/original", nil
	})

	info, err := r.Resolve(context.Background(), ts.URL+"/proxied")
	require.NoError(t, err)
	assert.True(t, reResolved)
	assert.Equal(t, want, info.Hash)
}

func TestResolver_CachesByReference(t *testing.T) {
	payload, _ := torrentPayload(t)

	hits := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write(payload)
	}))
	defer ts.Close()

	r := torrentmeta.NewResolver(nil)

	_, err := r.Resolve(context.Background(), ts.URL)
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), ts.URL)
	require.NoError(t, err)

	assert.Equal(t, 1, hits)
}

func TestMagnetFor(t *testing.T) {
	m := torrentmeta.MagnetFor("ABCDEF0123456789ABCDEF0123456789ABCDEF01", "My Book")
	assert.Equal(t, "magnet:?xt=urn:btih:abcdef0123456789abcdef0123456789abcdef01&dn=My+Book", m)
}
