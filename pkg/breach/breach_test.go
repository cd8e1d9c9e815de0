package breach_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/sentinel/pkg/breach"
)

// newTestClient creates a Client backed by the given httptest handler.
func newTestClient(t *testing.T, handler http.Handler) *breach.Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := breach.NewClientWithHTTPClient(
		server.Client(),
		server.URL+"/",
		breach.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	)
	require.NoError(t, err)
	return client
}

func TestCheck_RequestShape(t *testing.T) {
	var gotPath, gotQuery, gotKey, gotAgent string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotQuery = r.URL.RawQuery
		gotKey = r.Header.Get("hibp-api-key")
		gotAgent = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := client.Check(context.Background(), "a b@example.com", "k-123")
	require.NoError(t, err)

	assert.Equal(t, "/breachedaccount/a%20b@example.com", gotPath)
	assert.Equal(t, "truncateResponse=true", gotQuery)
	assert.Equal(t, "k-123", gotKey)
	assert.Equal(t, breach.UserAgent, gotAgent)
}

func TestCheck_Verdicts(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{name: "not found is safe", status: http.StatusNotFound, want: false},
		{name: "breaches found", status: http.StatusOK, body: `[{"Name":"Adobe"}]`, want: true},
		{name: "empty list is safe", status: http.StatusOK, body: `[]`, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))

			got, err := client.Check(context.Background(), "octo", "key")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheck_Unavailable(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "unauthorized", status: http.StatusUnauthorized},
		{name: "server error", status: http.StatusInternalServerError},
		{name: "malformed body", status: http.StatusOK, body: `{not json`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))

			_, err := client.Check(context.Background(), "octo", "key")
			require.ErrorIs(t, err, breach.ErrUnavailable)
			assert.Equal(t, int32(1), calls.Load(), "non-429 failures are not retried")
		})
	}
}

func TestCheck_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`[{"Name":"LinkedIn"}]`))
	}))

	got, err := client.Check(context.Background(), "octo", "key")
	require.NoError(t, err)
	assert.True(t, got)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCheck_RateLimitExhausted(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := client.Check(context.Background(), "octo", "key")
	require.ErrorIs(t, err, breach.ErrUnavailable)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCheck_TransportError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client, err := breach.NewClientWithHTTPClient(http.DefaultClient, url)
	require.NoError(t, err)

	_, err = client.Check(context.Background(), "octo", "key")
	require.ErrorIs(t, err, breach.ErrUnavailable)
}

func TestCheck_NoAPIKey(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Fatal("no request expected without an api key")
	}))

	_, err := client.Check(context.Background(), "octo", "")
	require.ErrorIs(t, err, breach.ErrNoAPIKey)
}
