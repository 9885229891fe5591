package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbuschat/nimbus/pkg/config"
	"github.com/nimbuschat/nimbus/pkg/history"
	"github.com/nimbuschat/nimbus/pkg/llms"
	"github.com/nimbuschat/nimbus/pkg/orchestrator"
	"github.com/nimbuschat/nimbus/pkg/protocol"
	"github.com/nimbuschat/nimbus/pkg/sqlstore"
	"github.com/nimbuschat/nimbus/pkg/usage"
)

func newTestServer(t *testing.T, provider *llms.MockProvider) (*httptest.Server, *history.Store) {
	t.Helper()

	db, dialect, err := sqlstore.Open(config.DatabaseConfig{
		Driver: config.DriverSQLite,
		Path:   ":memory:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := history.NewStore(db, dialect)
	require.NoError(t, err)

	recorder, err := usage.NewRecorder(db, dialect)
	require.NoError(t, err)

	orch := orchestrator.New(orchestrator.Deps{
		Config:   config.Default(),
		Provider: provider,
		History:  store,
	})

	srvCfg := config.ServerConfig{}
	srvCfg.SetDefaults()
	// Heartbeat off so frame assertions stay exact.
	s := New(srvCfg, config.StreamConfig{}, orch, store, recorder)

	ts := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts, store
}

func createDialog(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp, err := http.Post(ts.URL+"/dialogs", "application/json",
		strings.NewReader(`{"agent":"assistant","user_id":"u-1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body["dialog_id"])
	return body["dialog_id"]
}

// readSSE parses data frames until the stream ends.
func readSSE(t *testing.T, body *bufio.Reader) []protocol.StreamItem {
	t.Helper()
	var items []protocol.StreamItem
	for {
		line, err := body.ReadString('\n')
		if err != nil {
			return items
		}
		line = strings.TrimRight(line, "\n")
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var item protocol.StreamItem
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &item))
		items = append(items, item)
	}
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, llms.NewMockProvider(llms.TextResponse("hi")))

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCompletion_StreamsChunks(t *testing.T) {
	ts, store := newTestServer(t, llms.NewMockProvider(llms.TextResponse("Hello from the assistant")))
	dialogID := createDialog(t, ts)

	payload := map[string]string{"dialog_id": dialogID, "user_input": "Hello"}
	body, _ := json.Marshal(payload)

	resp, err := http.Post(ts.URL+"/completion", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))

	items := readSSE(t, bufio.NewReader(resp.Body))
	require.NotEmpty(t, items)

	var accumulated string
	for _, item := range items {
		require.Equal(t, protocol.StreamTypeChunk, item.Type)
		data, err := json.Marshal(item.Data)
		require.NoError(t, err)
		var chunk protocol.ChunkData
		require.NoError(t, json.Unmarshal(data, &chunk))
		accumulated = chunk.Accumulated
	}
	assert.Equal(t, "Hello from the assistant", accumulated)

	// Both records exist once the stream has closed.
	msgs, err := store.Recent(context.Background(), dialogID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.RoleUser, msgs[0].Role)
	assert.Equal(t, protocol.RoleAssistant, msgs[1].Role)
}

func TestCompletion_UnknownDialog(t *testing.T) {
	ts, _ := newTestServer(t, llms.NewMockProvider(llms.TextResponse("hi")))

	resp, err := http.Post(ts.URL+"/completion", "application/json",
		strings.NewReader(`{"dialog_id":"missing","user_input":"Hello"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestCompletion_BadRequest(t *testing.T) {
	ts, _ := newTestServer(t, llms.NewMockProvider(llms.TextResponse("hi")))

	for name, payload := range map[string]string{
		"no body":   `{`,
		"no dialog": `{"user_input":"Hello"}`,
		"no input":  `{"dialog_id":"x"}`,
		"empty":     `{}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/completion", "application/json", strings.NewReader(payload))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestCreateDialog_RequiresUser(t *testing.T) {
	ts, _ := newTestServer(t, llms.NewMockProvider(llms.TextResponse("hi")))

	resp, err := http.Post(ts.URL+"/dialogs", "application/json",
		strings.NewReader(`{"agent":"assistant"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDailyUsage(t *testing.T) {
	ts, _ := newTestServer(t, llms.NewMockProvider(llms.TextResponse("hi")))

	resp, err := http.Get(ts.URL + "/usage/daily?user_id=u-1&days=7")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(ts.URL + "/usage/daily")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}
