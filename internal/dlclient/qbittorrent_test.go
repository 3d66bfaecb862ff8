package dlclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// qbtServer fakes the Web API v2: login issues an SID cookie and every
// other endpoint rejects requests without it.
func qbtServer(t *testing.T, mux map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v2/auth/login" {
			require.NoError(t, r.ParseForm())

			if r.Form.Get("username") != "admin" || r.Form.Get("password") != "pass" {
				fmt.Fprint(w, "Fails.")

				return
			}

			http.SetCookie(w, &http.Cookie{Name: "SID", Value: "sid-1"})
			fmt.Fprint(w, "Ok.")

			return
		}

		if cookie, err := r.Cookie("SID"); err != nil || cookie.Value != "sid-1" {
			w.WriteHeader(http.StatusForbidden)

			return
		}

		handler, ok := mux[r.URL.Path]
		require.True(t, ok, "unexpected path %s", r.URL.Path)
		handler(w, r)
	}))
}

func TestQBittorrent_TestConnection(t *testing.T) {
	ts := qbtServer(t, map[string]http.HandlerFunc{
		"/api/v2/app/version": func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, "v4.6.3")
		},
	})
	defer ts.Close()

	q := NewQBittorrent(QBittorrentConfig{BaseURL: ts.URL, Username: "admin", Password: "pass"})
	assert.NoError(t, q.TestConnection(context.Background()))
}

func TestQBittorrent_BadCredentials(t *testing.T) {
	ts := qbtServer(t, nil)
	defer ts.Close()

	q := NewQBittorrent(QBittorrentConfig{BaseURL: ts.URL, Username: "admin", Password: "wrong"})
	assert.ErrorContains(t, q.TestConnection(context.Background()), "credentials rejected")
}

func TestQBittorrent_AddMagnet(t *testing.T) {
	ts := qbtServer(t, map[string]http.HandlerFunc{
		"/api/v2/torrents/add": func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseMultipartForm(1<<20))
			assert.Contains(t, r.Form.Get("urls"), "magnet:")
			assert.Equal(t, "books", r.Form.Get("category"))
			fmt.Fprint(w, "Ok.")
		},
	})
	defer ts.Close()

	q := NewQBittorrent(QBittorrentConfig{BaseURL: ts.URL, Username: "admin", Password: "pass", Category: "books"})

	hash, err := q.AddDownload(context.Background(), AddRequest{
		Magnet: "magnet:?xt=urn:btih:C12FE1C06BBA254A9DC9F519B335AA7C1367A88A&dn=dune",
	})
	require.NoError(t, err)
	assert.Equal(t, "c12fe1c06bba254a9dc9f519b335aa7c1367a88a", hash, "hash extracted from the magnet link")
}

func TestQBittorrent_AddMagnetBase32Hash(t *testing.T) {
	ts := qbtServer(t, map[string]http.HandlerFunc{
		"/api/v2/torrents/add": func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseMultipartForm(1<<20))
			fmt.Fprint(w, "Ok.")
		},
	})
	defer ts.Close()

	q := NewQBittorrent(QBittorrentConfig{BaseURL: ts.URL, Username: "admin", Password: "pass"})

	// Older magnet links carry the infohash in base32; status lookups key on
	// hex, so the returned ID must be the decoded hex form.
	hash, err := q.AddDownload(context.Background(), AddRequest{
		Magnet: "magnet:?xt=urn:btih:YEX6DQDLXISUVHOJ6UM3GNNKPQJWPKEK&dn=dune",
	})
	require.NoError(t, err)
	assert.Equal(t, "c12fe1c06bba254a9dc9f519b335aa7c1367a88a", hash)
}

func TestQBittorrent_AddFileLearnsHashFromListing(t *testing.T) {
	ts := qbtServer(t, map[string]http.HandlerFunc{
		"/api/v2/torrents/add": func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseMultipartForm(1<<20))

			_, header, err := r.FormFile("torrents")
			require.NoError(t, err)
			assert.Equal(t, "dune.torrent", header.Filename)
			fmt.Fprint(w, "Ok.")
		},
		"/api/v2/torrents/info": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "books", r.URL.Query().Get("category"))
			fmt.Fprint(w, `[
				{"hash": "0000000000000000000000000000000000000001", "added_on": 100},
				{"hash": "DEADBEEFDEADBEEFDEADBEEFDEADBEEFDEADBEEF", "added_on": 200}
			]`)
		},
	})
	defer ts.Close()

	q := NewQBittorrent(QBittorrentConfig{BaseURL: ts.URL, Username: "admin", Password: "pass", Category: "books"})

	hash, err := q.AddDownload(context.Background(), AddRequest{
		FileContent: []byte("d8:announce0:e"),
		Filename:    "dune.torrent",
	})
	require.NoError(t, err)
	assert.Equal(t, "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef", hash)
}

func TestQBittorrent_GetStatus(t *testing.T) {
	ts := qbtServer(t, map[string]http.HandlerFunc{
		"/api/v2/torrents/info": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef", r.URL.Query().Get("hashes"))
			fmt.Fprint(w, `[{
				"hash": "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
				"name": "dune", "state": "uploading", "progress": 1.0,
				"save_path": "/downloads"
			}]`)
		},
		"/api/v2/torrents/files": func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `[{"name": "dune/dune.epub", "size": 2048}]`)
		},
	})
	defer ts.Close()

	q := NewQBittorrent(QBittorrentConfig{BaseURL: ts.URL, Username: "admin", Password: "pass"})

	dl, err := q.GetStatus(context.Background(), "DEADBEEFDEADBEEFDEADBEEFDEADBEEFDEADBEEF")
	require.NoError(t, err)

	assert.Equal(t, StateSeeding, dl.State)
	assert.Equal(t, float64(100), dl.Progress)
	assert.Equal(t, "/downloads", dl.SavePath)
	require.Len(t, dl.Files, 1)
	assert.Equal(t, "dune/dune.epub", dl.Files[0].Path)
}

func TestQBittorrent_GetStatus_NotFound(t *testing.T) {
	ts := qbtServer(t, map[string]http.HandlerFunc{
		"/api/v2/torrents/info": func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `[]`)
		},
	})
	defer ts.Close()

	q := NewQBittorrent(QBittorrentConfig{BaseURL: ts.URL, Username: "admin", Password: "pass"})

	_, err := q.GetStatus(context.Background(), "deadbeef")

	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestQBittorrent_StateMapping(t *testing.T) {
	tests := []struct {
		daemon string
		want   State
	}{
		{"error", StateError},
		{"missingFiles", StateError},
		{"uploading", StateSeeding},
		{"pausedUP", StateComplete},
		{"downloading", StateDownloading},
		{"stalledDL", StateDownloading},
		{"pausedDL", StateQueued},
		{"checkingDL", StateQueued},
	}
	for _, tt := range tests {
		t.Run(tt.daemon, func(t *testing.T) {
			assert.Equal(t, tt.want, qbtState(tt.daemon))
		})
	}
}

func TestQBittorrent_Remove(t *testing.T) {
	ts := qbtServer(t, map[string]http.HandlerFunc{
		"/api/v2/torrents/delete": func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "deadbeef", r.Form.Get("hashes"))
			assert.Equal(t, "true", r.Form.Get("deleteFiles"))
		},
	})
	defer ts.Close()

	q := NewQBittorrent(QBittorrentConfig{BaseURL: ts.URL, Username: "admin", Password: "pass"})
	assert.NoError(t, q.Remove(context.Background(), "DEADBEEF", true))
}
