package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tandem/internal/connect"
	"github.com/roach88/tandem/internal/docsync"
	"github.com/roach88/tandem/internal/session"
	"github.com/roach88/tandem/internal/testutil"
)

func TestConfigFromEnv_Defaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 5*time.Second, cfg.WriteTimeout)
}

func TestConfigFromEnv_Override(t *testing.T) {
	t.Setenv("TANDEM_ADDR", "127.0.0.1:0")
	t.Setenv("TANDEM_WRITE_TIMEOUT", "2s")
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:0", cfg.Addr)
	assert.Equal(t, 2*time.Second, cfg.WriteTimeout)
}

func startServer(t *testing.T) *Server {
	t.Helper()
	s := testutil.NewStore(t)
	srv := NewServer(Config{Addr: "127.0.0.1:0", WriteTimeout: 5 * time.Second},
		s, testutil.Logger(t))
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	log := testutil.Logger(t)
	sess := session.Static("alice")
	docs := docsync.New(s, sess, log)
	conns := connect.New(s, sess, docs, log)
	require.NoError(t, conns.Request("bob"))
	return srv
}

func TestServer_Health(t *testing.T) {
	srv := startServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", srv.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestServer_StreamDeliversSnapshots(t *testing.T) {
	srv := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("ws://%s/ws?uid=bob&stream=connections.incoming", srv.Addr())
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, raw, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg struct {
		Stream string `json:"stream"`
		Data   []struct {
			ID     string `json:"ID"`
			Status string `json:"Status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, "connections.incoming", msg.Stream)
	require.Len(t, msg.Data, 1)
	assert.Equal(t, "alice_bob", msg.Data[0].ID)
	assert.Equal(t, "pending", msg.Data[0].Status)
}

func TestServer_RejectsMissingParams(t *testing.T) {
	srv := startServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/ws", srv.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_UnknownStreamClosesSocket(t *testing.T) {
	srv := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("ws://%s/ws?uid=bob&stream=bogus", srv.Addr())
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, _, err = conn.Read(ctx)
	assert.Error(t, err, "server closes the socket on an unknown stream")
}
