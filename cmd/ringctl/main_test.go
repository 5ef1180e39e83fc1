package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/ringchat/internal/cluster"
	"github.com/dreamware/ringchat/internal/ring"
	"github.com/dreamware/ringchat/internal/shard"
)

func TestMustGetenv(t *testing.T) {
	t.Run("variable set", func(t *testing.T) {
		t.Setenv("RINGCTL_MUST_HAVE", "required_value")
		assert.Equal(t, "required_value", mustGetenv("RINGCTL_MUST_HAVE"))
	})

	t.Run("variable missing", func(t *testing.T) {
		var called string
		original := logFatal
		logFatal = func(format string, v ...interface{}) {
			called = fmt.Sprintf(format, v...)
		}
		defer func() { logFatal = original }()

		assert.Empty(t, mustGetenv("RINGCTL_DEFINITELY_UNSET"))
		assert.Equal(t, "missing env RINGCTL_DEFINITELY_UNSET", called)
	})
}

func TestGetenv(t *testing.T) {
	t.Setenv("RINGCTL_TIMEOUT_TEST", "2s")
	assert.Equal(t, "2s", getenv("RINGCTL_TIMEOUT_TEST", "5s"))
	assert.Equal(t, "5s", getenv("RINGCTL_TIMEOUT_UNSET", "5s"))
}

func TestSplitURLs(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{in: "http://a:1", want: []string{"http://a:1"}},
		{in: "http://a:1, http://b:2 ,", want: []string{"http://a:1", "http://b:2"}},
		{in: " , ", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, splitURLs(tt.in))
		})
	}
}

func peer(id ring.ID) ring.Node {
	return ring.NewPeerNode(id, "127.0.0.1", 7000+int(id))
}

// adminServer serves a view of self in the ring ids, plus a health report.
func adminServer(t *testing.T, self ring.ID, ids ...ring.ID) string {
	t.Helper()
	space, err := ring.NewSpace(3)
	require.NoError(t, err)
	srv := ring.NewServer(space, peer(self))
	for _, id := range ids {
		if id != self {
			srv.UpdateFingerTable(peer(id))
			srv.SetPredecessor(peer(id))
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ring", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(cluster.Describe(srv))
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(cluster.HealthReport{
			Node:        srv.Self(),
			Established: true,
			Online:      1,
			Users:       shard.ShardInfo{Node: self, State: shard.ShardStateActive, KeyCount: 3},
		})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server.URL
}

func TestPrintRing(t *testing.T) {
	ids := []ring.ID{1, 4, 6}

	t.Run("consistent", func(t *testing.T) {
		urls := []string{adminServer(t, 6, ids...), adminServer(t, 1, ids...), adminServer(t, 4, ids...)}
		var out bytes.Buffer
		problems, err := printRing(context.Background(), &out, urls)
		require.NoError(t, err)
		assert.Zero(t, problems)
		assert.Equal(t,
			"node 1 127.0.0.1:7001  pred 6  succ 4  established\n"+
				"node 4 127.0.0.1:7004  pred 1  succ 6  established\n"+
				"node 6 127.0.0.1:7006  pred 4  succ 1  established\n"+
				"ring consistent\n",
			out.String())
	})

	t.Run("inconsistent", func(t *testing.T) {
		urls := []string{adminServer(t, 1, 1, 6), adminServer(t, 4, ids...), adminServer(t, 6, ids...)}
		var out bytes.Buffer
		problems, err := printRing(context.Background(), &out, urls)
		require.NoError(t, err)
		assert.Positive(t, problems)
		assert.Contains(t, out.String(), "node 1: successor 6, want 4")
		assert.NotContains(t, out.String(), "ring consistent")
	})

	t.Run("unreachable node", func(t *testing.T) {
		_, err := printRing(context.Background(), &bytes.Buffer{}, []string{"http://127.0.0.1:1"})
		assert.Error(t, err)
	})
}

func TestPrintHealth(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printHealth(context.Background(), &out, []string{adminServer(t, 4, 1, 4)}))
	assert.Equal(t, "node 4 127.0.0.1:7004  active  accounts 3  online 1\n", out.String())
}
