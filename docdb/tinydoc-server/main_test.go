package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinydoc/docdb/commands"
	"github.com/pingcap-incubator/tinydoc/docdb/config"
	"github.com/pingcap-incubator/tinydoc/docdb/notify"
	"github.com/pingcap-incubator/tinydoc/docdb/subscriptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerWiring(t *testing.T) {
	s, err := newServer(config.NewTestConfig())
	require.Nil(t, err)
	defer s.close()
	s.merger.Start()

	changes, cancel := s.hub.Subscribe(8)
	defer cancel()
	put := commands.NewPutDocument(s.docs, "users/1", nil, map[string]interface{}{
		"@metadata": map[string]interface{}{"@collection": "Users"},
	}, nil)
	require.Nil(t, s.merger.Enqueue(context.Background(), put))
	select {
	case c := <-changes:
		assert.Equal(t, notify.Put, c.Type)
		assert.Equal(t, "users/1", c.Key)
		assert.Equal(t, put.Result.Etag, c.Etag)
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}

	_, err = s.subs.Create(context.Background(), "all-users", subscriptions.Criteria{Collection: "Users"}, nil)
	require.Nil(t, err)

	srv := httptest.NewServer(s.statusHandler())
	defer srv.Close()
	for path, want := range map[string]string{
		"/metrics":       "tinydoc_merger_batches_total",
		"/subscriptions": `"name":"all-users"`,
	} {
		resp, err := http.Get(srv.URL + path)
		require.Nil(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.Nil(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Contains(t, string(body), want, path)
	}
}

func TestRootCommandRejectsBadConfig(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--config", "/does/not/exist.toml"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	assert.NotNil(t, cmd.Execute())
}
