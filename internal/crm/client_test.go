package crm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientPostsWithAuth(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "m-1"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret-key")
	out, err := c.SendSMS(context.Background(), "c-1", "hello")
	require.NoError(t, err)

	assert.Equal(t, "/conversations/messages", gotPath)
	assert.Equal(t, "Bearer secret-key", gotAuth)
	assert.Equal(t, "SMS", gotBody["type"])
	assert.Equal(t, "c-1", gotBody["contactId"])
	assert.Equal(t, "m-1", out["id"])
}

func TestHTTPClientTagPaths(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "")
	_, err := c.AddTag(context.Background(), "c-1", "vip")
	require.NoError(t, err)
	_, err = c.RemoveTag(context.Background(), "c-1", "vip")
	require.NoError(t, err)

	assert.Equal(t, []string{"/contacts/c-1/tags", "/contacts/c-1/tags/remove"}, paths)
}

func TestHTTPClientNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "")
	_, err := c.AddTag(context.Background(), "c-1", "vip")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestHTTPClientToleratesEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "")
	out, err := c.MoveOpportunity(context.Background(), "o-1", "s-2")
	require.NoError(t, err)
	assert.Empty(t, out)
}
