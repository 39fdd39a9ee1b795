package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/generate", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req GenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Write to Jordan", req.Prompt)

		json.NewEncoder(w).Encode(GenerateResponse{Text: "Hi Jordan", TokensUsed: 12})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret", time.Second)
	resp, err := c.Generate(context.Background(), GenerateRequest{Prompt: "Write to Jordan"})
	require.NoError(t, err)
	assert.Equal(t, "Hi Jordan", resp.Text)
	assert.Equal(t, 12, resp.TokensUsed)
}

func TestHTTPClientEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embed", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"vector": []float64{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second)
	vec, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, vec)
}

func TestHTTPClientTransientClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusInternalServerError, true},
		{"bad gateway", http.StatusBadGateway, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			c := NewHTTPClient(srv.URL, "", time.Second)
			_, err := c.Generate(context.Background(), GenerateRequest{Prompt: "x"})
			require.Error(t, err)
			assert.Equal(t, tc.transient, IsTransient(err))
		})
	}
}

func TestHTTPClientConnectionRefusedIsTransient(t *testing.T) {
	c := NewHTTPClient("http://127.0.0.1:1", "", 100*time.Millisecond)
	_, err := c.Generate(context.Background(), GenerateRequest{Prompt: "x"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}
