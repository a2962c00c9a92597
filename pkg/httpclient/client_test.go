package httpclient

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	return cfg
}

func TestClient_Get(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	client := New(fastConfig())
	resp, err := client.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, CircuitClosed, client.CircuitState())
}

func TestClient_RetriesOnRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(fastConfig())
	resp, err := client.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, calls.Load())
}

func TestClient_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.RetryAttempts = 2
	client := New(cfg)

	_, err := client.Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxRetries)
	assert.EqualValues(t, 3, calls.Load()) // initial + 2 retries
}

func TestClient_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := New(fastConfig())
	resp, err := client.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	// 4xx is returned to the caller, not retried.
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.EqualValues(t, 1, calls.Load())
}

func TestClient_CircuitOpensAfterThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.RetryAttempts = 0
	cfg.CircuitThreshold = 3
	cfg.CircuitTimeout = time.Hour
	client := New(cfg)

	for i := 0; i < 3; i++ {
		resp, err := client.Get(context.Background(), srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
	}
	assert.Equal(t, CircuitOpen, client.CircuitState())

	_, err := client.Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxRetries)

	client.ResetCircuit()
	assert.Equal(t, CircuitClosed, client.CircuitState())
}

func TestClient_AcceptableStatusCodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.RetryAttempts = 0
	cfg.CircuitThreshold = 1
	cfg.AcceptableStatusCodes = MustParseStatusCodes("200-299,404")
	client := New(cfg)

	resp, err := client.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	// 404 is acceptable here so the breaker stays closed.
	assert.Equal(t, CircuitClosed, client.CircuitState())
}

func TestClient_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	client := New(fastConfig())
	_, err := client.Get(ctx, srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_GzipDecompression(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		gz.Write([]byte("compressed payload"))
		gz.Close()

		w.Header().Set(HeaderContentEncoding, EncodingGzip)
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	client := New(fastConfig())
	resp, err := client.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "compressed payload", string(body))
}

func TestClient_BrotliDecompression(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		br := brotli.NewWriter(&buf)
		br.Write([]byte("brotli payload"))
		br.Close()

		w.Header().Set(HeaderContentEncoding, EncodingBrotli)
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	client := New(fastConfig())
	resp, err := client.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "brotli payload", string(body))
}

func TestClient_MaxResponseSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("x"), 2048))
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.MaxResponseSize = 1024
	client := New(cfg)

	resp, err := client.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	_, err = io.ReadAll(resp.Body)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResponseTooLarge)
}

func TestClient_SetsDefaultHeaders(t *testing.T) {
	var gotUA, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get(HeaderUserAgent)
		gotAccept = r.Header.Get(HeaderAcceptEncoding)
	}))
	defer srv.Close()

	client := New(fastConfig())
	resp, err := client.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, DefaultUserAgentHeader, gotUA)
	assert.Equal(t, DefaultAcceptEncodingHeader, gotAccept)
}

func TestParseStatusCodes(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		wantErr bool
		in      []int
		out     []int
	}{
		{
			name: "single codes",
			spec: "200,404",
			in:   []int{200, 404},
			out:  []int{201, 500},
		},
		{
			name: "range",
			spec: "200-204",
			in:   []int{200, 202, 204},
			out:  []int{199, 205},
		},
		{
			name: "mixed with whitespace",
			spec: " 200-299 , 404 ",
			in:   []int{250, 404},
			out:  []int{500},
		},
		{name: "invalid code", spec: "abc", wantErr: true},
		{name: "invalid range", spec: "300-200", wantErr: true},
		{name: "invalid range bound", spec: "200-xyz", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, err := ParseStatusCodes(tt.spec)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			for _, code := range tt.in {
				assert.True(t, set.Contains(code), "expected %d in set", code)
			}
			for _, code := range tt.out {
				assert.False(t, set.Contains(code), "expected %d not in set", code)
			}
		})
	}
}

func TestStatusCodeSet_NilSafe(t *testing.T) {
	var set *StatusCodeSet
	assert.True(t, set.IsEmpty())
	assert.False(t, set.Contains(200))
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(2, 10*time.Millisecond, 1)

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow())

	time.Sleep(20 * time.Millisecond)

	// First probe allowed in half-open, further probes rejected.
	assert.True(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.False(t, cb.Allow())

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Zero(t, cb.Failures())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond, 1)

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	require.True(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
}
