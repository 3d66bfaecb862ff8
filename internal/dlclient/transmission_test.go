package dlclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// transmissionServer fakes the RPC endpoint, enforcing the CSRF session
// header dance: requests without the current id get a 409 carrying it.
func transmissionServer(t *testing.T, handler func(method string, args json.RawMessage) interface{}) *httptest.Server {
	t.Helper()

	const sessionID = "session-abc"

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Transmission-Session-Id") != sessionID {
			w.Header().Set("X-Transmission-Session-Id", sessionID)
			w.WriteHeader(http.StatusConflict)

			return
		}

		var req struct {
			Method    string          `json:"method"`
			Arguments json.RawMessage `json:"arguments"`
		}

		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"result":    "success",
			"arguments": handler(req.Method, req.Arguments),
		})
	}))
}

func TestTransmission_SessionHandshake(t *testing.T) {
	ts := transmissionServer(t, func(method string, _ json.RawMessage) interface{} {
		assert.Equal(t, "session-get", method)

		return map[string]interface{}{"version": "4.0.5"}
	})
	defer ts.Close()

	tr := NewTransmission(TransmissionConfig{BaseURL: ts.URL})
	require.NoError(t, tr.TestConnection(context.Background()))
}

func TestTransmission_AddMagnet(t *testing.T) {
	ts := transmissionServer(t, func(method string, args json.RawMessage) interface{} {
		require.Equal(t, "torrent-add", method)

		var parsed struct {
			Filename string   `json:"filename"`
			Labels   []string `json:"labels"`
		}

		require.NoError(t, json.Unmarshal(args, &parsed))
		assert.Contains(t, parsed.Filename, "magnet:")
		assert.Equal(t, []string{"books"}, parsed.Labels)

		return map[string]interface{}{
			"torrent-added": map[string]interface{}{
				"id": 7, "hashString": "C12FE1C06BBA254A9DC9F519B335AA7C1367A88A", "name": "dune",
			},
		}
	})
	defer ts.Close()

	tr := NewTransmission(TransmissionConfig{BaseURL: ts.URL, Category: "books"})

	hash, err := tr.AddDownload(context.Background(), AddRequest{Magnet: "magnet:?xt=urn:btih:c12fe1c06bba254a9dc9f519b335aa7c1367a88a"})
	require.NoError(t, err)
	assert.Equal(t, "c12fe1c06bba254a9dc9f519b335aa7c1367a88a", hash)
}

func TestTransmission_AddDuplicateAttaches(t *testing.T) {
	ts := transmissionServer(t, func(_ string, _ json.RawMessage) interface{} {
		return map[string]interface{}{
			"torrent-duplicate": map[string]interface{}{
				"id": 3, "hashString": "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef", "name": "dune",
			},
		}
	})
	defer ts.Close()

	tr := NewTransmission(TransmissionConfig{BaseURL: ts.URL})

	hash, err := tr.AddDownload(context.Background(), AddRequest{Magnet: "magnet:?xt=urn:btih:deadbeef"})
	require.NoError(t, err)
	assert.Equal(t, "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef", hash)
}

func TestTransmission_GetStatus(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		percentDone float64
		errorString string
		wantState   State
	}{
		{"downloading", 4, 0.5, "", StateDownloading},
		{"seeding", 6, 1, "", StateSeeding},
		{"stopped complete", 0, 1, "", StateComplete},
		{"stopped partial", 0, 0.2, "", StateQueued},
		{"error wins", 4, 0.5, "tracker unreachable", StateError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := transmissionServer(t, func(_ string, _ json.RawMessage) interface{} {
				return map[string]interface{}{
					"torrents": []map[string]interface{}{{
						"hashString":  "DEADBEEFDEADBEEFDEADBEEFDEADBEEFDEADBEEF",
						"name":        "dune",
						"status":      tt.status,
						"percentDone": tt.percentDone,
						"errorString": tt.errorString,
						"downloadDir": "/downloads",
						"files": []map[string]interface{}{
							{"name": "dune/dune.epub", "length": 2048},
						},
					}},
				}
			})
			defer ts.Close()

			tr := NewTransmission(TransmissionConfig{BaseURL: ts.URL})

			dl, err := tr.GetStatus(context.Background(), "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
			require.NoError(t, err)

			assert.Equal(t, tt.wantState, dl.State)
			assert.Equal(t, tt.percentDone*100, dl.Progress)
			assert.Equal(t, "/downloads", dl.SavePath)

			if tt.wantState == StateError {
				assert.Equal(t, tt.errorString, dl.Message)
			}
		})
	}
}

func TestTransmission_GetStatus_NotFound(t *testing.T) {
	ts := transmissionServer(t, func(_ string, _ json.RawMessage) interface{} {
		return map[string]interface{}{"torrents": []interface{}{}}
	})
	defer ts.Close()

	tr := NewTransmission(TransmissionConfig{BaseURL: ts.URL})

	_, err := tr.GetStatus(context.Background(), "deadbeef")

	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestTransmission_Remove(t *testing.T) {
	var got struct {
		IDs             []string `json:"ids"`
		DeleteLocalData bool     `json:"delete-local-data"`
	}

	ts := transmissionServer(t, func(method string, args json.RawMessage) interface{} {
		require.Equal(t, "torrent-remove", method)
		require.NoError(t, json.Unmarshal(args, &got))

		return map[string]interface{}{}
	})
	defer ts.Close()

	tr := NewTransmission(TransmissionConfig{BaseURL: ts.URL})

	require.NoError(t, tr.Remove(context.Background(), "deadbeef", true))
	assert.Equal(t, []string{"deadbeef"}, got.IDs)
	assert.True(t, got.DeleteLocalData)
}
