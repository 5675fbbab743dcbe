package mcp_test

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubegram/kubegram/mcp"
)

func dialServer(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	server, err := mcp.NewServer(mcp.ServerOptions{Processor: f.processor})
	require.NoError(t, err)
	assert.Equal(t, "/operator", server.Path())

	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) *mcp.Message {
	t.Helper()
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var msg mcp.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return &msg
}

func TestServerHandshakeAndOrdering(t *testing.T) {
	f := newFixture(t, &fakeModel{})
	ws := dialServer(t, f)

	// The server greets with a ping notification before anything else.
	hello := readFrame(t, ws)
	assert.Equal(t, "notifications/ping", hello.Method)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"t","version":"1"}}}`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"query_graphs","arguments":{"limit":1}}}`)))

	// Responses arrive in request order with matching ids.
	for want := 1; want <= 3; want++ {
		resp := readFrame(t, ws)
		require.Nil(t, resp.Error)
		var id int
		require.NoError(t, json.Unmarshal(resp.ID, &id))
		assert.Equal(t, want, id)
	}
}

func TestServerSurvivesProtocolError(t *testing.T) {
	f := newFixture(t, &fakeModel{})
	ws := dialServer(t, f)
	readFrame(t, ws) // hello ping

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	resp := readFrame(t, ws)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeParseError, resp.Error.Code)

	// Connection is still serviceable.
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":7,"method":"tools/list"}`)))
	resp = readFrame(t, ws)
	require.Nil(t, resp.Error)
	var id int
	require.NoError(t, json.Unmarshal(resp.ID, &id))
	assert.Equal(t, 7, id)
}
