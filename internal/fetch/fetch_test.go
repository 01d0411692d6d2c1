package fetch_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MasonGillDev/instance-scripts/internal/fetch"

	"github.com/stretchr/testify/require"
)

func TestFetch(t *testing.T) {
	t.Parallel()

	payload := []byte("DEADBEEF00")
	mux := http.NewServeMux()
	mux.HandleFunc("/y.bin", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	})
	mux.HandleFunc("/teapot", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := fetch.New(time.Second, 10*time.Second)
	t.Cleanup(client.CloseIdleConnections)

	t.Run("ok", func(t *testing.T) {
		b, err := client.Fetch(context.Background(), srv.URL+"/y.bin")
		require.NoError(t, err)
		require.Equal(t, payload, b)
	})

	t.Run("not_found", func(t *testing.T) {
		_, err := client.Fetch(context.Background(), srv.URL+"/missing")
		require.Error(t, err)
		require.Contains(t, err.Error(), "unexpected status 404")
	})

	t.Run("non_2xx", func(t *testing.T) {
		_, err := client.Fetch(context.Background(), srv.URL+"/teapot")
		require.Error(t, err)
		require.Contains(t, err.Error(), "unexpected status 418")
	})

	t.Run("bad_url", func(t *testing.T) {
		_, err := client.Fetch(context.Background(), "http://127.0.0.1:1/nothing-listens-here")
		require.Error(t, err)
	})

	t.Run("fetch_to", func(t *testing.T) {
		var buf bytes.Buffer
		n, err := client.FetchTo(context.Background(), srv.URL+"/y.bin", &buf)
		require.NoError(t, err)
		require.Equal(t, int64(len(payload)), n)
		require.Equal(t, payload, buf.Bytes())
	})
}

func TestFetchTransferTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	client := fetch.New(time.Second, 50*time.Millisecond)
	t.Cleanup(client.CloseIdleConnections)

	_, err := client.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
}
