package ci

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryBuild(t *testing.T) {
	var gotPath, gotUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, _, _ = r.BasicAuth()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewJenkinsClient(srv.URL, "triage-bot", "token")
	err := c.RetryBuild(context.Background(), "nightly-build")
	require.NoError(t, err)
	assert.Equal(t, "/job/nightly-build/build", gotPath)
	assert.Equal(t, "triage-bot", gotUser)
}

func TestRetryBuildReportsFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewJenkinsClient(srv.URL, "", "")
	err := c.RetryBuild(context.Background(), "missing-job")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestBuildLog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/job/nightly-build/17/consoleText", r.URL.Path)
		_, _ = w.Write([]byte("FATAL: connection reset by peer\n"))
	}))
	defer srv.Close()

	c := NewJenkinsClient(srv.URL, "", "")
	log, err := c.BuildLog(context.Background(), "nightly-build", 17)
	require.NoError(t, err)
	assert.Contains(t, log, "connection reset")
}

func TestBuildLogHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewJenkinsClient(srv.URL, "", "")
	_, err := c.BuildLog(ctx, "nightly-build", 17)
	require.Error(t, err)
}
