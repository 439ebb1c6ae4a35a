package httpdest

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDestination_SuccessIsSent(t *testing.T) {
	var gotBody []byte
	var gotHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Get("X-Test")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	dest := New(Config{URL: server.URL, Headers: map[string]string{"X-Test": "1"}})
	require.NoError(t, dest.Start(context.Background()))

	resp := dest.Dispatch(context.Background(), []byte("payload"))
	assert.Equal(t, "SENT", resp.Status)
	assert.Equal(t, "payload", string(gotBody))
	assert.Equal(t, "1", gotHeader)
}

func TestDestination_NonSuccessIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	dest := New(Config{URL: server.URL})
	resp := dest.Dispatch(context.Background(), []byte("payload"))
	assert.Equal(t, "ERROR", resp.Status)
	assert.Error(t, resp.Err)
}

func TestDestination_CustomSuccessStatuses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	dest := New(Config{URL: server.URL, SuccessStatuses: []int{202}})
	resp := dest.Dispatch(context.Background(), []byte("payload"))
	assert.Equal(t, "SENT", resp.Status)
}
