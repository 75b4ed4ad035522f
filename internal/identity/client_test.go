package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL})
}

func TestMeResolvesIdentity(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me", r.URL.Path)
		assert.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "SUCCESS",
			"data": map[string]any{
				"email":     "user@x.com",
				"client_id": "client-1",
				"clients": []map[string]string{
					{"client_id": "client-1", "client_name": "Acme Solutions"},
				},
			},
		})
	})

	info, err := client.Me(context.Background(), "access-1")
	require.NoError(t, err)
	assert.Equal(t, "user@x.com", info.Email)
	assert.Equal(t, "client-1", info.ClientID)
	require.Len(t, info.Clients, 1)
	assert.Equal(t, "Acme Solutions", info.Clients[0].ClientName)
}

func TestMeNonSuccessStatusIsError(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"FAILURE"}`))
	})

	_, err := client.Me(context.Background(), "access-1")
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestMeHTTPErrorCarriesStatusCode(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	})

	_, err := client.Me(context.Background(), "access-1")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
}

func TestRefreshExchangesTokenPair(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/azure/refresh-token", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req refreshRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "refresh-old", req.RefreshToken)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "SUCCESS",
			"data": map[string]string{
				"access_token":  "access-new",
				"refresh_token": "refresh-new",
			},
		})
	})

	pair, err := client.Refresh(context.Background(), "refresh-old")
	require.NoError(t, err)
	assert.Equal(t, "access-new", pair.AccessToken)
	assert.Equal(t, "refresh-new", pair.RefreshToken)
}

func TestRefreshMissingTokensIsError(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"SUCCESS","data":{}}`))
	})

	_, err := client.Refresh(context.Background(), "refresh-old")
	assert.Error(t, err)
}
