package ai

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

func TestPostJSON_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Key"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_ = json.NewEncoder(w).Encode(map[string]string{"echo": body["ping"]})
	}))
	defer ts.Close()

	var out map[string]string
	err := PostJSON(context.Background(), ts.Client(), ts.URL, map[string]string{"X-Key": "secret"},
		map[string]string{"ping": "pong"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "pong", out["echo"])
}

func TestPostJSON_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusInternalServerError, ErrProviderUnavailable},
		{529, ErrProviderUnavailable},
		{http.StatusGatewayTimeout, ErrInferenceTimeout},
		{http.StatusUnauthorized, ErrProviderUnavailable},
		{http.StatusBadRequest, ErrInvalidInput},
	}
	for _, tt := range tests {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", tt.status)
		}))
		err := PostJSON(context.Background(), ts.Client(), ts.URL, nil, struct{}{}, &struct{}{})
		assert.ErrorIs(t, err, tt.want, "status %d", tt.status)
		ts.Close()
	}
}

func TestPostJSON_BadBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer ts.Close()

	err := PostJSON(context.Background(), ts.Client(), ts.URL, nil, struct{}{}, &struct{}{})
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestPostJSON_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := PostJSON(ctx, ts.Client(), ts.URL, nil, struct{}{}, &struct{}{})
	assert.ErrorIs(t, err, ErrInferenceTimeout)
}

func TestPostJSON_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	err := PostJSON(context.Background(), &http.Client{Timeout: time.Second}, url, nil, struct{}{}, &struct{}{})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}
