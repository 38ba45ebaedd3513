package fetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	f := New(nil, DefaultPolicy())
	out := f.Fetch(context.Background(), Descriptor{FeedID: "a", URL: srv.URL, TimeoutMS: 1000})
	require.NoError(t, out.Err)
	assert.Equal(t, "payload", string(out.Body))
	assert.Equal(t, 1, out.Attempts)
}

func TestFetchHTTPErrorRetriesThenFails(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	policy := DefaultPolicy()
	policy.MaxRetries = 2
	policy.BackoffBase = time.Millisecond
	policy.BackoffCap = 2 * time.Millisecond

	f := New(nil, policy)
	out := f.Fetch(context.Background(), Descriptor{FeedID: "a", URL: srv.URL, TimeoutMS: 1000})
	assert.Equal(t, ErrHTTP, out.Kind)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestFetchOverlapSkipped(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := New(nil, DefaultPolicy())

	done := make(chan Outcome, 1)
	go func() {
		done <- f.Fetch(context.Background(), Descriptor{FeedID: "a", URL: srv.URL, TimeoutMS: 5000})
	}()

	// give the first fetch time to mark itself in-flight
	time.Sleep(50 * time.Millisecond)
	overlap := f.Fetch(context.Background(), Descriptor{FeedID: "a", URL: srv.URL, TimeoutMS: 5000})
	assert.Equal(t, ErrOverlap, overlap.Kind)

	close(release)
	first := <-done
	require.NoError(t, first.Err)
}

func TestFetchSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(w, io.LimitReader(neverEndingZeros{}, 100))
	}))
	defer srv.Close()

	policy := DefaultPolicy()
	policy.MaxResponseSize = 10
	policy.MaxRetries = 0

	f := New(nil, policy)
	out := f.Fetch(context.Background(), Descriptor{FeedID: "a", URL: srv.URL, TimeoutMS: 1000})
	assert.Equal(t, ErrSizeLimit, out.Kind)
}

type neverEndingZeros struct{}

func (neverEndingZeros) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}
