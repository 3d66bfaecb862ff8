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

func sabServer(t *testing.T, handler func(mode string, r *http.Request) string) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "apikey-123", r.URL.Query().Get("apikey"))
		require.Equal(t, "json", r.URL.Query().Get("output"))

		fmt.Fprint(w, handler(r.URL.Query().Get("mode"), r))
	}))
}

func TestSabnzbd_TestConnection(t *testing.T) {
	ts := sabServer(t, func(mode string, _ *http.Request) string {
		assert.Equal(t, "version", mode)

		return `{"version": "4.2.1"}`
	})
	defer ts.Close()

	s := NewSabnzbd(SabnzbdConfig{BaseURL: ts.URL, APIKey: "apikey-123"})
	assert.NoError(t, s.TestConnection(context.Background()))
}

func TestSabnzbd_BadKeyError(t *testing.T) {
	ts := sabServer(t, func(_ string, _ *http.Request) string {
		return `{"status": false, "error": "API Key Incorrect"}`
	})
	defer ts.Close()

	s := NewSabnzbd(SabnzbdConfig{BaseURL: ts.URL, APIKey: "apikey-123"})
	assert.ErrorContains(t, s.TestConnection(context.Background()), "API Key Incorrect")
}

func TestSabnzbd_AddURL(t *testing.T) {
	ts := sabServer(t, func(mode string, r *http.Request) string {
		assert.Equal(t, "addurl", mode)
		assert.Equal(t, "https://indexer.example/get/123", r.URL.Query().Get("name"))
		assert.Equal(t, "books", r.URL.Query().Get("cat"))

		return `{"status": true, "nzo_ids": ["SABnzbd_nzo_p8x1ck"]}`
	})
	defer ts.Close()

	s := NewSabnzbd(SabnzbdConfig{BaseURL: ts.URL, APIKey: "apikey-123", Category: "books"})

	id, err := s.AddDownload(context.Background(), AddRequest{URL: "https://indexer.example/get/123"})
	require.NoError(t, err)
	assert.Equal(t, "SABnzbd_nzo_p8x1ck", id)
}

func TestSabnzbd_AddFile(t *testing.T) {
	ts := sabServer(t, func(mode string, r *http.Request) string {
		assert.Equal(t, "addfile", mode)

		require.NoError(t, r.ParseMultipartForm(1<<20))

		_, header, err := r.FormFile("name")
		require.NoError(t, err)
		assert.Equal(t, "dune.nzb", header.Filename)

		return `{"status": true, "nzo_ids": ["SABnzbd_nzo_41aa"]}`
	})
	defer ts.Close()

	s := NewSabnzbd(SabnzbdConfig{BaseURL: ts.URL, APIKey: "apikey-123"})

	id, err := s.AddDownload(context.Background(), AddRequest{
		FileContent: []byte("<nzb/>"),
		Filename:    "dune.nzb",
	})
	require.NoError(t, err)
	assert.Equal(t, "SABnzbd_nzo_41aa", id)
}

func TestSabnzbd_GetStatus_Queue(t *testing.T) {
	ts := sabServer(t, func(mode string, _ *http.Request) string {
		require.Equal(t, "queue", mode)

		return `{"queue": {"slots": [
			{"nzo_id": "SABnzbd_nzo_1", "filename": "dune", "status": "Downloading", "percentage": "37"}
		]}}`
	})
	defer ts.Close()

	s := NewSabnzbd(SabnzbdConfig{BaseURL: ts.URL, APIKey: "apikey-123"})

	dl, err := s.GetStatus(context.Background(), "SABnzbd_nzo_1")
	require.NoError(t, err)
	assert.Equal(t, StateDownloading, dl.State)
	assert.Equal(t, float64(37), dl.Progress)
}

func TestSabnzbd_GetStatus_History(t *testing.T) {
	tests := []struct {
		name      string
		status    string
		wantState State
	}{
		{"completed", "Completed", StateComplete},
		{"failed", "Failed", StateError},
		{"still extracting", "Extracting", StateDownloading},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := sabServer(t, func(mode string, _ *http.Request) string {
				if mode == "queue" {
					return `{"queue": {"slots": []}}`
				}

				require.Equal(t, "history", mode)

				return fmt.Sprintf(`{"history": {"slots": [
					{"nzo_id": "SABnzbd_nzo_1", "name": "dune", "status": %q,
					 "storage": "/downloads/complete/dune", "bytes": 4096,
					 "fail_message": "CRC error"}
				]}}`, tt.status)
			})
			defer ts.Close()

			s := NewSabnzbd(SabnzbdConfig{BaseURL: ts.URL, APIKey: "apikey-123"})

			dl, err := s.GetStatus(context.Background(), "SABnzbd_nzo_1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, dl.State)

			switch tt.wantState {
			case StateComplete:
				assert.Equal(t, "/downloads/complete/dune", dl.SavePath)
				assert.Equal(t, float64(100), dl.Progress)
			case StateError:
				assert.Equal(t, "CRC error", dl.Message)
			}
		})
	}
}

func TestSabnzbd_GetStatus_NotFound(t *testing.T) {
	ts := sabServer(t, func(mode string, _ *http.Request) string {
		if mode == "queue" {
			return `{"queue": {"slots": []}}`
		}

		return `{"history": {"slots": []}}`
	})
	defer ts.Close()

	s := NewSabnzbd(SabnzbdConfig{BaseURL: ts.URL, APIKey: "apikey-123"})

	_, err := s.GetStatus(context.Background(), "SABnzbd_nzo_gone")

	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestSabnzbd_FindExistingAlwaysMisses(t *testing.T) {
	s := NewSabnzbd(SabnzbdConfig{BaseURL: "http://host", APIKey: "k"})

	dl, err := s.FindExisting(context.Background(), "deadbeef")
	require.NoError(t, err)
	assert.Nil(t, dl)
}
