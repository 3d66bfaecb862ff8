package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookNotifier_Notify(t *testing.T) {
	var got Event

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer ts.Close()

	n := NewWebhookNotifier(ts.URL)

	err := n.Notify(context.Background(), Event{
		Kind:   "completed",
		Title:  "Dune",
		Author: "Frank Herbert",
	})
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Kind)
	assert.Equal(t, "Dune", got.Title)
}

func TestWebhookNotifier_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	n := NewWebhookNotifier(ts.URL)
	assert.ErrorContains(t, n.Notify(context.Background(), Event{Kind: "failed"}), "status 502")
}

func TestWebhookNotifier_Unconfigured(t *testing.T) {
	n := NewWebhookNotifier("")
	assert.Error(t, n.Notify(context.Background(), Event{Kind: "completed"}))
}
