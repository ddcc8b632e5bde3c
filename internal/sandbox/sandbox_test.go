package sandbox_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amonhq/amon/internal/sandbox"
)

func TestHTTPRunner_Exec(t *testing.T) {
	var gotAuth string
	var gotReq sandbox.Request
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/exec", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(sandbox.Result{
			ExitCode:   0,
			Stdout:     "done",
			OutputPack: map[string]string{"workspace/out.txt": "content"},
		})
	}))
	defer ts.Close()

	runner := sandbox.NewHTTPRunner(ts.URL, "secret")
	result, err := runner.Exec(context.Background(), sandbox.Request{
		Command:   "make",
		Args:      []string{"test"},
		InputPack: map[string]string{"workspace/in.txt": "data"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "make", gotReq.Command)
	assert.Equal(t, "done", result.Stdout)
	assert.Equal(t, "content", result.OutputPack["workspace/out.txt"])
}

func TestHTTPRunner_NonOKStatusFails(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer ts.Close()

	runner := sandbox.NewHTTPRunner(ts.URL, "")
	_, err := runner.Exec(context.Background(), sandbox.Request{Command: "true"})
	require.Error(t, err)
}
