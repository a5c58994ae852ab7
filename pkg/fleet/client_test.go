package fleet

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/mendel/pkg/reliability"
)

func testDescriptor(name, baseURL string) ServiceDescriptor {
	return ServiceDescriptor{
		Name:        name,
		BaseURL:     baseURL,
		CallTimeout: 2 * time.Second,
		MaxRetries:  2,
		Required:    true,
	}
}

func TestServiceClientDoSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/echo", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"value":"pong"}`))
	}))
	defer server.Close()

	client := NewServiceClient(testDescriptor("echo", server.URL))

	var out struct {
		Value string `json:"value"`
	}
	err := client.Do(context.Background(), http.MethodPost, "/v1/echo", map[string]string{"value": "ping"}, &out, false)
	require.NoError(t, err)
	assert.Equal(t, "pong", out.Value)
}

func TestServiceClientBearerAuth(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	desc := testDescriptor("auth", server.URL)
	desc.AuthToken = "secret-token"
	client := NewServiceClient(desc)

	require.NoError(t, client.HealthCheck(context.Background()))
	assert.Equal(t, "Bearer secret-token", gotAuth)
}

func TestServiceClientServerErrorIsFault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend down", http.StatusBadGateway)
	}))
	defer server.Close()

	desc := testDescriptor("flaky", server.URL)
	desc.MaxRetries = 0
	client := NewServiceClient(desc)

	err := client.Do(context.Background(), http.MethodGet, "/v1/thing", nil, nil, true)
	require.Error(t, err)
	assert.True(t, IsServiceFault(err))
	assert.True(t, reliability.IsRetriable(err))
}

func TestServiceClientCallerErrorIsNotFault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	desc := testDescriptor("picky", server.URL)
	desc.MaxRetries = 0
	client := NewServiceClient(desc)

	err := client.Do(context.Background(), http.MethodPost, "/v1/thing", map[string]string{"x": "y"}, nil, false)
	require.Error(t, err)
	assert.False(t, IsServiceFault(err))
	assert.False(t, reliability.IsRetriable(err))

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.Code)
	assert.Contains(t, statusErr.Body, "bad request")
}

func TestServiceClientRetriesIdempotent(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "not yet", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewServiceClient(testDescriptor("eventually", server.URL))

	err := client.Do(context.Background(), http.MethodGet, "/v1/thing", nil, nil, true)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestServiceClientNeverRetriesNonIdempotent(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewServiceClient(testDescriptor("mutating", server.URL))

	err := client.Do(context.Background(), http.MethodPost, "/v1/thing", map[string]string{"x": "y"}, nil, false)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestServiceClientRetryExhaustionAggregates(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "still down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewServiceClient(testDescriptor("down", server.URL))

	err := client.Do(context.Background(), http.MethodGet, "/v1/thing", nil, nil, true)
	require.Error(t, err)
	// 1 initial attempt + 2 retries.
	assert.Equal(t, int32(3), calls.Load())
	assert.Contains(t, err.Error(), "max retries")
	assert.True(t, IsServiceFault(err))
}

func TestServiceClientTransportErrorIsFault(t *testing.T) {
	// A closed server port gives a connection-refused transport error.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	desc := testDescriptor("gone", url)
	desc.MaxRetries = 0
	client := NewServiceClient(desc)

	err := client.HealthCheck(context.Background())
	require.Error(t, err)
	assert.True(t, IsServiceFault(err))
}
