package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/raywall/fast-webhook-pipeline/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOAuth2Fetcher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		assert.Equal(t, "webhooks:write", r.Form.Get("scope"))

		id, secret, ok := r.BasicAuth()
		if ok {
			assert.Equal(t, "my-client", id)
			assert.Equal(t, "my-secret", secret)
		} else {
			assert.Equal(t, "my-client", r.Form.Get("client_id"))
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token": "mock-jwt-xyz", "expires_in": 3600, "token_type": "Bearer"}`))
	}))
	defer server.Close()

	fetcher := NewOAuth2Fetcher(config.AuthProviderConf{
		ID:           "partner",
		TokenURL:     server.URL,
		ClientID:     "my-client",
		ClientSecret: "my-secret",
		Scopes:       []string{"webhooks:write"},
	})

	token, ttl, err := fetcher(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "mock-jwt-xyz", token)
	assert.InDelta(t, time.Hour.Seconds(), ttl.Seconds(), 5)
}

func TestNewOAuth2Fetcher_ProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer server.Close()

	fetcher := NewOAuth2Fetcher(config.AuthProviderConf{TokenURL: server.URL, ClientID: "x", ClientSecret: "y"})
	_, _, err := fetcher(context.Background())
	assert.Error(t, err)
}

func TestRegistry_Token(t *testing.T) {
	calls := 0
	reg := NewRegistryWithFetchers(map[string]TokenFetcher{
		"partner": func(ctx context.Context) (string, time.Duration, error) {
			calls++
			return "tok", time.Hour, nil
		},
	})
	defer reg.Close()

	tok, err := reg.Token(context.Background(), "partner")
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)

	tok, err = reg.Token(context.Background(), "partner")
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)
	assert.Equal(t, 1, calls, "token fica em cache após a primeira busca")

	_, err = reg.Token(context.Background(), "desconhecido")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}
